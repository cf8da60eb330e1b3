package actor

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Handler processes one topic invocation. Handlers on a single actor run
// strictly serially; a handler may block, and its return value becomes the
// reply for ask-style sends.
type Handler func(ctx context.Context, args ...any) (any, error)

// Definition is a user-supplied actor behavior. Two forms are accepted:
//
//   - a map[string]Handler keyed by topic, or
//   - a struct (value or pointer) whose exported methods with the Handler
//     shape become topic handlers, the topic being the method name with its
//     first rune lowered.
//
// Struct definitions may additionally implement Initializable, Destroyable,
// or MetricsProvider to hook the lifecycle.
type Definition any

// Initializable is an optional behavior hook run before the actor becomes
// ready. A failure destroys the endpoint and propagates to the creator.
type Initializable interface {
	Initialize(ctx context.Context, self *Ref) error
}

// Destroyable is an optional behavior hook run during destruction, after
// the actor's children are gone.
type Destroyable interface {
	Destroy(ctx context.Context) error
}

// MetricsProvider is an optional behavior hook contributing to the metrics
// rollup.
type MetricsProvider interface {
	Metrics() map[string]float64
}

// behavior is the normalized form both definition shapes reduce to.
type behavior struct {
	def      Definition
	handlers map[string]Handler
}

// handlerShape is the required method signature for struct definitions.
var handlerShape = reflect.TypeOf(Handler(nil))

// lowerFirst converts an exported method name to its topic form.
func lowerFirst(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

// reservedMethodNames are lifecycle hooks, never exposed as topics.
var reservedMethodNames = map[string]struct{}{
	"Initialize": {},
	"Destroy":    {},
	"Metrics":    {},
}

// newBehavior normalizes a definition into a topic handler table.
func newBehavior(def Definition) (*behavior, error) {
	if def == nil {
		return &behavior{handlers: map[string]Handler{}}, nil
	}

	if handlers, ok := def.(map[string]Handler); ok {
		table := make(map[string]Handler, len(handlers))
		for topic, h := range handlers {
			table[topic] = h
		}

		return &behavior{def: def, handlers: table}, nil
	}

	v := reflect.ValueOf(def)
	if v.Kind() != reflect.Ptr && v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("unsupported definition type %T", def)
	}

	table := make(map[string]Handler)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if _, reserved := reservedMethodNames[m.Name]; reserved {
			continue
		}

		fn := v.Method(i)
		if !fn.Type().ConvertibleTo(handlerShape) {
			continue
		}

		handler, ok := fn.Convert(handlerShape).Interface().(Handler)
		if !ok {
			continue
		}
		table[lowerFirst(m.Name)] = handler
	}

	return &behavior{def: def, handlers: table}, nil
}

// lookup returns the handler for a topic.
func (b *behavior) lookup(topic string) (Handler, bool) {
	h, ok := b.handlers[topic]
	return h, ok
}

// initialize runs the optional Initializable hook.
func (b *behavior) initialize(ctx context.Context, self *Ref) error {
	if hook, ok := b.def.(Initializable); ok {
		return hook.Initialize(ctx, self)
	}

	return nil
}

// destroyHook runs the optional Destroyable hook.
func (b *behavior) destroyHook(ctx context.Context) error {
	if hook, ok := b.def.(Destroyable); ok {
		return hook.Destroy(ctx)
	}

	return nil
}

// metrics returns the behavior's own metrics, if provided.
func (b *behavior) metrics() map[string]float64 {
	if hook, ok := b.def.(MetricsProvider); ok {
		return hook.Metrics()
	}

	return nil
}

// The process-global definition registry. Forked, remote, and threaded
// actors name their definition here, since behavior code cannot cross a
// process boundary: both the parent and the worker binary register the same
// factories at init time, and the create-actor frame carries only the name.
var (
	registryMu  sync.RWMutex
	definitions = make(map[string]func() Definition)
	marshallers = make(map[string]func() Marshaller)
	balancers   = make(map[string]func() Strategy)
	resources   = make(map[string]func() Resource)
)

// RegisterDefinition registers a named definition factory. Registration
// typically happens from init functions so parent and worker processes agree
// on the available set. Re-registering a name replaces the factory.
func RegisterDefinition(name string, factory func() Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	definitions[name] = factory
}

// LookupDefinition resolves a registered definition name.
func LookupDefinition(name string) (func() Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := definitions[name]

	return f, ok
}

// DefinitionNames returns the registered definition names with the given
// prefix, sorted. CreateChildren uses this to expand a module "directory".
func DefinitionNames(prefix string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var names []string
	for name := range definitions {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names
}

// RegisterMarshaller registers a message marshaller factory. Every System in
// the process (including those reconstructed inside workers) instantiates
// all registered marshallers.
func RegisterMarshaller(factory func() Marshaller) {
	m := factory()

	registryMu.Lock()
	defer registryMu.Unlock()
	marshallers[m.TypeName()] = factory
}

// RegisterBalancer registers a named custom balancing strategy factory.
func RegisterBalancer(name string, factory func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	balancers[name] = factory
}

// LookupBalancer resolves a registered strategy name.
func LookupBalancer(name string) (func() Strategy, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := balancers[name]

	return f, ok
}

// RegisterResource registers a named resource factory. Resources are
// instantiated lazily per System on first acquisition.
func RegisterResource(name string, factory func() Resource) {
	registryMu.Lock()
	defer registryMu.Unlock()
	resources[name] = factory
}

// lookupResource resolves a registered resource name.
func lookupResource(name string) (func() Resource, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := resources[name]

	return f, ok
}

// registeredMarshallerFactories snapshots the marshaller registry.
func registeredMarshallerFactories() []func() Marshaller {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]func() Marshaller, 0, len(marshallers))
	for _, f := range marshallers {
		out = append(out, f)
	}

	return out
}

// Resource is a named external dependency owned by a System and shared by
// its actors, such as a connection pool.
type Resource interface {
	// Initialize prepares the resource.
	Initialize(ctx context.Context) error

	// Destroy releases the resource.
	Destroy(ctx context.Context) error

	// Acquire returns the usable resource value.
	Acquire() any
}
