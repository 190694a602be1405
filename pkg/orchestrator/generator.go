package orchestrator

import "context"

// Generator produces the application source for a project as a file set
// keyed by relative path. The orchestrator does not interpret the project
// definition; code generation lives behind this boundary.
type Generator interface {
	Generate(ctx context.Context, projectID string) (map[string]string, error)
}

// Publisher pushes a finished artifact to an external release location.
// Publishing is best-effort; a failure never changes the build outcome.
type Publisher interface {
	Publish(ctx context.Context, localPath, remoteName string) error
}

// generatedFilePrefixes lists what the generator may overwrite inside a
// scaffolded project. Platform directories created by flutter create are
// preserved.
var generatedFilePrefixes = []string{
	"lib/",
	"assets/",
}

var generatedFileNames = map[string]bool{
	"pubspec.yaml":          true,
	"l10n.yaml":             true,
	"analysis_options.yaml": true,
}

// filterGeneratedFiles keeps only the application files the build may write
// over the project scaffold.
func filterGeneratedFiles(files map[string]string) map[string]string {
	filtered := make(map[string]string, len(files))
	for path, content := range files {
		if generatedFileNames[path] {
			filtered[path] = content
			continue
		}
		for _, prefix := range generatedFilePrefixes {
			if len(path) > len(prefix) && path[:len(prefix)] == prefix {
				filtered[path] = content
				break
			}
		}
	}
	return filtered
}
