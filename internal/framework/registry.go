// Package framework describes the project templates the generator targets
// and the commands that validate a generated project.
package framework

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command is one validation command run inside the sandbox.
type Command struct {
	Name string   `json:"name" yaml:"name"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Framework is a project template.
type Framework struct {
	Name string
	// Template names the remote sandbox image.
	Template string
	// EntryFile is the file a user usually looks at first.
	EntryFile string
	// Validate commands run in order; the first failure stops validation.
	Validate []Command
	// Guidance is appended to the generator's system prompt.
	Guidance string
}

// Registry stores frameworks keyed by name.
type Registry struct {
	mu         sync.RWMutex
	frameworks map[string]Framework
}

// DefaultRegistry is the shared registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{frameworks: make(map[string]Framework)}
}

// Register adds a framework.
func (r *Registry) Register(f Framework) error {
	if f.Name == "" {
		return fmt.Errorf("framework name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.frameworks[f.Name]; exists {
		return fmt.Errorf("framework already registered: %s", f.Name)
	}
	r.frameworks[f.Name] = f
	return nil
}

// Get returns the named framework.
func (r *Registry) Get(name string) (Framework, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.frameworks[name]
	if !ok {
		return Framework{}, fmt.Errorf("unknown framework %q", name)
	}
	return f, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.frameworks))
	for n := range r.frameworks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MustRegister adds a framework to the default registry or panics.
func MustRegister(f Framework) {
	if err := DefaultRegistry.Register(f); err != nil {
		panic(err)
	}
}

func init() {
	MustRegister(Framework{
		Name:      "nextjs",
		Template:  "nextjs-developer",
		EntryFile: "app/page.tsx",
		Validate: []Command{
			{Name: "npx", Args: []string{"tsc", "--noEmit"}},
			{Name: "npm", Args: []string{"run", "lint"}},
		},
		Guidance: "Use the Next.js App Router with TypeScript and Tailwind CSS. Put pages under app/.",
	})
	MustRegister(Framework{
		Name:      "react",
		Template:  "vite-react",
		EntryFile: "src/App.tsx",
		Validate: []Command{
			{Name: "npm", Args: []string{"run", "build"}},
		},
		Guidance: "Use React with Vite and TypeScript. The root component is src/App.tsx.",
	})
	MustRegister(Framework{
		Name:      "vue",
		Template:  "vite-vue",
		EntryFile: "src/App.vue",
		Validate: []Command{
			{Name: "npm", Args: []string{"run", "build"}},
		},
		Guidance: "Use Vue 3 single-file components with the Composition API and TypeScript.",
	})
	MustRegister(Framework{
		Name:      "svelte",
		Template:  "vite-svelte",
		EntryFile: "src/App.svelte",
		Validate: []Command{
			{Name: "npm", Args: []string{"run", "check"}},
		},
		Guidance: "Use Svelte with TypeScript. The root component is src/App.svelte.",
	})
	MustRegister(Framework{
		Name:      "angular",
		Template:  "angular",
		EntryFile: "src/app/app.component.ts",
		Validate: []Command{
			{Name: "npx", Args: []string{"ng", "build"}},
		},
		Guidance: "Use Angular standalone components.",
	})
}
