package updater

import (
	"os"
	"path/filepath"
	"strings"
)

// extensionLanguages maps a recognized source-file extension to the
// sub-store name a project is assigned to when that extension is its
// most common. Intentionally small; a real deployment is expected to
// substitute a LanguageDetector backed by github-linguist or a similar
// classifier.
var extensionLanguages = map[string]string{
	".go":    "go",
	".rs":    "rust",
	".py":    "python",
	".js":    "javascript",
	".ts":    "typescript",
	".java":  "java",
	".rb":    "ruby",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
}

// ExtensionLanguageDetector walks workdir's working tree (skipping
// .git) and returns the sub-store name for the extension with the most
// matching files. It reports false if no recognized extension appears,
// leaving the project's language unknown.
func ExtensionLanguageDetector(workdir string) (string, bool) {
	counts := make(map[string]int)
	_ = filepath.Walk(workdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		counts[lang]++
		return nil
	})

	best := ""
	bestCount := 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	return best, bestCount > 0
}
