package handlers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"background-fetch-service/internal/models"
	"background-fetch-service/pkg/validation"
)

// Handler kinds shipped with the service.
const (
	KindEcho    = "echo"
	KindCommand = "command"
	KindHTTP    = "http"
)

var ErrUnknownHandlerKind = errors.New("unknown handler kind")

// Factory builds a handler from a task's params document.
type Factory func(params string) (models.Handler, error)

type entry struct {
	schema  *validation.Schema
	factory Factory
}

// Catalog maps handler kinds to factories. Params are validated against the
// kind's JSON schema before the factory runs.
type Catalog struct {
	mu    sync.RWMutex
	kinds map[string]entry
}

func NewCatalog() *Catalog {
	return &Catalog{kinds: make(map[string]entry)}
}

// DefaultCatalog returns a catalog with every built-in kind registered.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.MustRegister(KindEcho, echoParamsSchema, NewEchoHandler)
	c.MustRegister(KindCommand, commandParamsSchema, NewCommandHandler)
	c.MustRegister(KindHTTP, httpParamsSchema, NewHTTPFetchHandler)
	return c
}

// Register adds a kind. An empty schema accepts any params.
func (c *Catalog) Register(kind, schemaJSON string, factory Factory) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || factory == nil {
		return fmt.Errorf("handler kind and factory are required")
	}
	var sch *validation.Schema
	if schemaJSON != "" {
		compiled, err := validation.Compile(schemaJSON)
		if err != nil {
			return fmt.Errorf("handler kind %s: %w", kind, err)
		}
		sch = compiled
	}
	c.mu.Lock()
	c.kinds[kind] = entry{schema: sch, factory: factory}
	c.mu.Unlock()
	hlog.Debugf("Catalog: registered handler kind %s", kind)
	return nil
}

func (c *Catalog) MustRegister(kind, schemaJSON string, factory Factory) {
	if err := c.Register(kind, schemaJSON, factory); err != nil {
		panic(err)
	}
}

// Build validates params for kind and returns the handler.
func (c *Catalog) Build(kind, params string) (models.Handler, error) {
	c.mu.RLock()
	e, ok := c.kinds[strings.ToLower(strings.TrimSpace(kind))]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandlerKind, kind)
	}
	if params == "" {
		params = "{}"
	}
	if e.schema != nil {
		if err := e.schema.Validate(params); err != nil {
			return nil, fmt.Errorf("params for %s handler: %w", kind, err)
		}
	}
	return e.factory(params)
}

// Kinds lists registered kinds in order.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.kinds))
	for k := range c.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
