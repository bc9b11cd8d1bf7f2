package datasource

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// AppContext is the application defined context of a client operation.
// It is safe for concurrent use. Identity is pointer identity: two envelopes
// share an application context only if they hold the same *AppContext.
type AppContext struct {
	mu     sync.RWMutex
	values map[string]any
	// placeholder contexts are handed to gateway-internal dispatches and never hold values
	placeholder bool
}

func NewAppContext() *AppContext {
	return &AppContext{}
}

func newPlaceholderContext() *AppContext {
	return &AppContext{placeholder: true}
}

// Set stores a value under key. It panics on the placeholder context of a
// health check or schema loading envelope.
func (c *AppContext) Set(key string, value any) {
	if c.placeholder {
		panic(ErrPlaceholderContext)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Get returns the value for the given key, ie: (value, true).
// If the value does not exist it returns (nil, false)
func (c *AppContext) Get(key string) (value any, exists bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, exists = c.values[key]
	return
}

// GetString returns the value associated with the key as a string.
func (c *AppContext) GetString(key string) (s string) {
	if val, ok := c.Get(key); ok && val != nil {
		s, _ = val.(string)
	}
	return
}

func (c *AppContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Keys returns the stored keys in lexical order.
func (c *AppContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsPlaceholder reports whether this is the empty context of a gateway-internal dispatch.
func (c *AppContext) IsPlaceholder() bool {
	return c.placeholder
}

// RequestContext describes the client operation the gateway is serving.
// Data sources borrow it for the duration of a single Process call.
type RequestContext struct {
	// ID uniquely identifies the client operation.
	ID string
	// Request is the GraphQL request received from the client.
	Request *Request
	// Response is the response being assembled for the client, nil until the first subgraph answered.
	Response *Response
	// Context is the per-operation application context.
	Context *AppContext

	// This mutex protects metadata.
	mu sync.RWMutex
	// metadata holds gateway-internal values attached during the operation lifecycle.
	metadata map[string]any
}

// NewRequestContext creates the context of a client operation. A nil appCtx
// is replaced by an empty one.
func NewRequestContext(req *Request, appCtx *AppContext) *RequestContext {
	if appCtx == nil {
		appCtx = NewAppContext()
	}
	return &RequestContext{
		ID:      uuid.NewString(),
		Request: req,
		Context: appCtx,
	}
}

// Set is used to store gateway metadata exclusively for this operation.
func (c *RequestContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}
	c.metadata[key] = value
}

// Get returns the metadata value for the given key, ie: (value, true).
func (c *RequestContext) Get(key string) (value any, exists bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, exists = c.metadata[key]
	return
}

// GetString returns the metadata value associated with the key as a string.
func (c *RequestContext) GetString(key string) (s string) {
	if val, ok := c.Get(key); ok && val != nil {
		s, _ = val.(string)
	}
	return
}

// MustGet returns the metadata value for the given key if it exists, otherwise it panics.
func (c *RequestContext) MustGet(key string) any {
	if value, exists := c.Get(key); exists {
		return value
	}
	panic("Key \"" + key + "\" does not exist")
}
