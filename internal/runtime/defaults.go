package runtime

// DefaultLanguages is the built-in language table. Config may replace it.
func DefaultLanguages() []LanguageDescriptor {
	return []LanguageDescriptor{
		{
			ID:        "python",
			Image:     "python:3.11-slim",
			Extension: ".py",
			Command:   []string{"python", "-u", "-B", "-c", SourcePlaceholder},
			Strategy:  StrategyInline,
		},
		{
			ID:        "cpp",
			Image:     "gcc:latest",
			Extension: ".cpp",
			Command:   []string{"sh", "-c", "g++ " + FilePlaceholder + " -o code && ./code"},
			Strategy:  StrategyFileMounted,
		},
		{
			ID:        "c",
			Image:     "gcc:latest",
			Extension: ".c",
			Command:   []string{"sh", "-c", "gcc " + FilePlaceholder + " -o code && ./code"},
			Strategy:  StrategyFileMounted,
		},
		{
			// Source-file mode runs the first class in the file regardless of its name.
			ID:        "java",
			Image:     "eclipse-temurin:21-jdk",
			Extension: ".java",
			Command:   []string{"java", "-Xshare:off", FilePlaceholder},
			Strategy:  StrategyFileMounted,
		},
		{
			ID:        "javascript",
			Image:     "node:20-slim",
			Extension: ".js",
			Command:   []string{"node", FilePlaceholder},
			Strategy:  StrategyFileMounted,
		},
		{
			ID:        "go",
			Image:     "golang:1.24-alpine",
			Extension: ".go",
			Command:   []string{"go", "run", FilePlaceholder},
			Strategy:  StrategyFileMounted,
		},
	}
}

// NewDefaultRegistry builds a registry from DefaultLanguages.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultLanguages()...)
	if err != nil {
		panic(err) // built-in table is static
	}
	return r
}
