package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Strategy selects how source text reaches the interpreter inside the unit.
type Strategy string

const (
	// StrategyInline passes the source as an argument of the run command.
	// Only safe for runtimes that accept a code argument (python -c).
	StrategyInline Strategy = "inline"

	// StrategyFileMounted writes the source into an ephemeral workspace that
	// is mounted as the unit's working directory.
	StrategyFileMounted Strategy = "file_mounted"
)

// Placeholders substituted into LanguageDescriptor.Command.
const (
	SourcePlaceholder = "{source}"
	FilePlaceholder   = "{file}"
)

const (
	maxSourceBytes = 1 << 20 // 1MB
	// Linux caps a single execve argument at MAX_ARG_STRLEN (32 pages).
	maxInlineSourceBytes = 128 * 1024
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidSource       = errors.New("invalid source")
)

// LanguageDescriptor describes how to run one language. Values are immutable
// once registered.
type LanguageDescriptor struct {
	ID        string   `yaml:"id" json:"id"`
	Image     string   `yaml:"image" json:"image"`
	Extension string   `yaml:"extension" json:"extension"`
	Command   []string `yaml:"command" json:"command"`
	Strategy  Strategy `yaml:"strategy" json:"strategy"`
}

// FileName is the fixed name of the source artifact in a workspace.
func (d LanguageDescriptor) FileName() string {
	return "code" + d.Extension
}

// NeedsWorkspace reports whether the descriptor requires a provisioned workspace.
func (d LanguageDescriptor) NeedsWorkspace() bool {
	return d.Strategy == StrategyFileMounted
}

// RenderCommand expands the command template for the given source text.
func (d LanguageDescriptor) RenderCommand(source string) []string {
	out := make([]string, len(d.Command))
	for i, arg := range d.Command {
		switch {
		case arg == SourcePlaceholder:
			out[i] = source
		default:
			out[i] = strings.ReplaceAll(arg, FilePlaceholder, d.FileName())
		}
	}
	return out
}

// Validate is a cheap pre-check of the source before any resource is touched.
func (d LanguageDescriptor) Validate(source string) error {
	if len(source) == 0 {
		return fmt.Errorf("%w: empty code", ErrInvalidSource)
	}
	if len(source) > maxSourceBytes {
		return fmt.Errorf("%w: code too large: %d bytes (max 1MB)", ErrInvalidSource, len(source))
	}
	if d.Strategy == StrategyInline && len(source) > maxInlineSourceBytes {
		return fmt.Errorf("%w: inline code too large: %d bytes (max 128KB)", ErrInvalidSource, len(source))
	}
	return nil
}

func (d LanguageDescriptor) check() error {
	if d.ID == "" {
		return fmt.Errorf("language id is empty")
	}
	if d.Image == "" {
		return fmt.Errorf("language %q: image is empty", d.ID)
	}
	if len(d.Command) == 0 {
		return fmt.Errorf("language %q: command is empty", d.ID)
	}
	switch d.Strategy {
	case StrategyInline:
		if !containsArg(d.Command, SourcePlaceholder) {
			return fmt.Errorf("language %q: inline command must contain %s", d.ID, SourcePlaceholder)
		}
	case StrategyFileMounted:
		if d.Extension == "" || !strings.HasPrefix(d.Extension, ".") {
			return fmt.Errorf("language %q: extension must start with '.', got %q", d.ID, d.Extension)
		}
	default:
		return fmt.Errorf("language %q: unknown strategy %q", d.ID, d.Strategy)
	}
	return nil
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// Registry maps language identifiers to descriptors. It is built once and
// never mutated, so lookups need no locking.
type Registry struct {
	languages map[string]LanguageDescriptor
}

// NewRegistry validates and freezes the given descriptors.
func NewRegistry(descriptors ...LanguageDescriptor) (*Registry, error) {
	r := &Registry{languages: make(map[string]LanguageDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := d.check(); err != nil {
			return nil, err
		}
		if _, dup := r.languages[d.ID]; dup {
			return nil, fmt.Errorf("language %q registered twice", d.ID)
		}
		d.Command = append([]string(nil), d.Command...)
		r.languages[d.ID] = d
	}
	return r, nil
}

// Resolve returns the descriptor for the given language.
func (r *Registry) Resolve(language string) (LanguageDescriptor, error) {
	d, ok := r.languages[language]
	if !ok {
		return LanguageDescriptor{}, fmt.Errorf("%w: %q (supported: %s)",
			ErrUnsupportedLanguage, language, strings.Join(r.Languages(), ", "))
	}
	d.Command = append([]string(nil), d.Command...)
	return d, nil
}

// ByExtension finds the language whose file extension matches ext.
func (r *Registry) ByExtension(ext string) (LanguageDescriptor, bool) {
	for _, id := range r.Languages() {
		if d := r.languages[id]; d.Extension == ext {
			return d, true
		}
	}
	return LanguageDescriptor{}, false
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.languages))
	for name := range r.languages {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns the distinct images needed by registered languages.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.languages))
	images := make([]string, 0, len(r.languages))
	for _, name := range r.Languages() {
		img := r.languages[name].Image
		if _, ok := seen[img]; ok {
			continue
		}
		seen[img] = struct{}{}
		images = append(images, img)
	}
	return images
}
