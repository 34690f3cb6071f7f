package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
)

// Register mounts all routes on h.
func Register(h *server.Hertz, tasks *TaskHandler, device *DeviceHandler) {
	h.GET("/ping", func(c context.Context, ctxReq *app.RequestContext) {
		ctxReq.JSON(http.StatusOK, utils.H{"message": "pong"})
	})
	h.GET("/status", device.GetStatus)
	h.GET("/conditions", device.GetConditions)
	h.PUT("/conditions", device.PutConditions)
	h.POST("/cycles", device.RunCycle)

	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", tasks.CreateTask)
		taskGroup.GET("", tasks.GetTasks)
		taskGroup.GET("/:id", tasks.GetTaskByID)
		taskGroup.POST("/:id/start", tasks.StartTask)
		taskGroup.POST("/:id/stop", tasks.StopTask)
		taskGroup.GET("/:id/history", tasks.GetTaskHistory)
	}
}
