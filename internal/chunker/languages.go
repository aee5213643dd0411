// ABOUTME: Maps fenced code block language tags to file extensions.
// ABOUTME: Unknown or missing tags fall back to .txt.

package chunker

import "strings"

// DefaultExtension is used when the language tag is unknown.
const DefaultExtension = ".txt"

var languageExtensions = map[string]string{
	"python":     ".py",
	"py":         ".py",
	"javascript": ".js",
	"js":         ".js",
	"typescript": ".ts",
	"ts":         ".ts",
	"java":       ".java",
	"csharp":     ".cs",
	"cs":         ".cs",
	"cpp":        ".cpp",
	"c++":        ".cpp",
	"c":          ".c",
	"html":       ".html",
	"css":        ".css",
	"json":       ".json",
	"yaml":       ".yaml",
	"yml":        ".yaml",
	"markdown":   ".md",
	"md":         ".md",
	"bash":       ".sh",
	"sh":         ".sh",
	"shell":      ".sh",
	"sql":        ".sql",
	"ruby":       ".rb",
	"rb":         ".rb",
	"php":        ".php",
	"go":         ".go",
	"golang":     ".go",
	"rust":       ".rs",
	"rs":         ".rs",
}

// ExtensionFor returns the file extension for a fence language tag.
func ExtensionFor(lang string) string {
	if ext, ok := languageExtensions[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return ext
	}
	return DefaultExtension
}
