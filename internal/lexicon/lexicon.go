// Package lexicon holds the fixed vocabularies shared by search, tagging and
// pattern detection: technology names, conceptual topics and sentiment words.
package lexicon

import (
	"strings"
	"unicode"
)

// MinTokenLen is the shortest token kept by Tokenize.
const MinTokenLen = 3

var techAliases = map[string]string{
	"golang":      "go",
	"postgresql":  "postgres",
	"nodejs":      "node",
	"ts":          "typescript",
	"js":          "javascript",
	"k8s":         "kubernetes",
	"reactjs":     "react",
	"vuejs":       "vue",
	"py":          "python",
	"tailwindcss": "tailwind",
	"mongo":       "mongodb",
}

var techTerms = setOf(
	"go", "python", "rust", "java", "kotlin", "swift", "ruby", "php", "typescript", "javascript",
	"c++", "c#", "scala", "elixir", "haskell", "lua", "zig",
	"react", "vue", "angular", "svelte", "nextjs", "nuxt", "remix",
	"node", "deno", "bun", "express", "fastify", "django", "flask", "fastapi", "rails", "spring", "laravel",
	"tailwind", "bootstrap", "sass", "css", "html", "graphql", "grpc",
	"postgres", "mysql", "sqlite", "mongodb", "redis", "kafka", "rabbitmq", "elasticsearch", "dynamodb",
	"docker", "kubernetes", "terraform", "ansible", "helm", "nginx",
	"aws", "gcp", "azure", "vercel", "netlify",
	"jest", "vitest", "pytest", "mocha", "cypress", "playwright",
	"webpack", "vite", "esbuild", "babel", "eslint", "prettier", "gofmt",
	"git", "github", "gitlab", "linux", "bash", "zsh", "vim", "neovim", "emacs", "vscode",
	"prisma", "drizzle", "sqlalchemy", "redux", "zustand", "jquery",
	"npm", "yarn", "pnpm", "pip", "poetry", "cargo",
)

var conceptTerms = setOf(
	"authentication", "authorization", "performance", "security", "testing", "deployment",
	"database", "api", "caching", "logging", "monitoring", "documentation", "refactoring",
	"architecture", "frontend", "backend", "accessibility", "migration", "concurrency",
	"validation", "styling", "configuration", "debugging", "observability", "scalability",
	"design", "infrastructure", "ci", "cd", "review", "naming", "formatting", "errors",
)

var positiveWords = setOf(
	"good", "great", "excellent", "perfect", "nice", "thanks", "thank", "love", "like", "awesome",
	"helpful", "works", "working", "correct", "clean", "better", "best", "fine", "amazing", "happy",
	"yes", "exactly", "right",
)

var negativeWords = setOf(
	"bad", "wrong", "broken", "error", "errors", "fail", "fails", "failed", "failing", "hate",
	"terrible", "awful", "bug", "bugs", "issue", "problem", "slow", "incorrect", "ugly", "worse",
	"worst", "annoying", "confusing", "mistake",
)

func setOf(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Words splits text into lowercase words. Letters, digits, '+' and '#' are
// word characters; everything else separates words.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '#')
	})
}

// Tokenize lowercases text, strips punctuation and drops tokens shorter than
// MinTokenLen. Duplicates are removed; first occurrence order is kept.
func Tokenize(text string) []string {
	words := Words(text)
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "+#")
		if len([]rune(w)) < MinTokenLen {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Canonical maps a technology alias onto its canonical name.
func Canonical(word string) string {
	w := strings.ToLower(strings.TrimSpace(word))
	if c, ok := techAliases[w]; ok {
		return c
	}
	return w
}

// IsTech reports whether word (or its alias) is a known technology.
func IsTech(word string) bool {
	_, ok := techTerms[Canonical(word)]
	return ok
}

// IsConcept reports whether word is a known conceptual topic.
func IsConcept(word string) bool {
	_, ok := conceptTerms[strings.ToLower(word)]
	return ok
}

// TechTerms returns the canonical technology names mentioned in text, in order
// of first mention.
func TechTerms(text string) []string {
	return collect(text, func(w string) (string, bool) {
		c := Canonical(w)
		_, ok := techTerms[c]
		return c, ok
	})
}

// ConceptTerms returns the conceptual topics mentioned in text.
func ConceptTerms(text string) []string {
	return collect(text, func(w string) (string, bool) {
		_, ok := conceptTerms[w]
		return w, ok
	})
}

// Sentiment counts positive and negative lexicon words in text.
func Sentiment(text string) (positive, negative int) {
	for _, w := range Words(text) {
		if _, ok := positiveWords[w]; ok {
			positive++
		}
		if _, ok := negativeWords[w]; ok {
			negative++
		}
	}
	return positive, negative
}

func collect(text string, match func(string) (string, bool)) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, w := range Words(text) {
		term, ok := match(w)
		if !ok {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}

var techCategories = map[string][]string{
	"frontend_framework": {"react", "vue", "angular", "svelte", "nextjs", "nuxt", "remix"},
	"language":           {"go", "python", "rust", "java", "kotlin", "swift", "ruby", "php", "typescript", "javascript", "c++", "c#", "scala", "elixir", "haskell", "lua", "zig"},
	"backend_framework":  {"express", "fastify", "django", "flask", "fastapi", "rails", "spring", "laravel"},
	"database":           {"postgres", "mysql", "sqlite", "mongodb", "redis", "dynamodb", "elasticsearch"},
	"testing_framework":  {"jest", "vitest", "pytest", "mocha", "cypress", "playwright"},
	"styling":            {"tailwind", "bootstrap", "sass", "css"},
	"package_manager":    {"npm", "yarn", "pnpm", "pip", "poetry", "cargo"},
	"editor":             {"vim", "neovim", "emacs", "vscode"},
}

var categoryOf = func() map[string]string {
	m := map[string]string{}
	for cat, techs := range techCategories {
		for _, t := range techs {
			m[t] = cat
		}
	}
	return m
}()

// TechCategory returns the preference key a technology belongs to, or "" when
// it has none.
func TechCategory(tech string) string {
	return categoryOf[Canonical(tech)]
}
