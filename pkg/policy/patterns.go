package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// URLPattern maps requests whose URL matches a glob or regular expression to
// an expiration.
type URLPattern struct {
	Pattern     string
	Regex       bool
	ExpireAfter Expiry

	match func(url string) bool
}

// GlobPattern compiles a glob pattern. The scheme is ignored, the pattern is
// matched against host, path and query, '*' also matches '/', and a trailing
// '*' is implied so "example.com/api" matches everything below it.
func GlobPattern(pattern string, expireAfter Expiry) (URLPattern, error) {
	p := stripScheme(pattern)
	if !strings.HasSuffix(p, "*") {
		p += "*"
	}
	g, err := glob.Compile(p)
	if err != nil {
		return URLPattern{}, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return URLPattern{
		Pattern:     pattern,
		ExpireAfter: expireAfter,
		match:       func(url string) bool { return g.Match(stripScheme(url)) },
	}, nil
}

// RegexPattern compiles a regular expression that is searched for anywhere
// in the full URL.
func RegexPattern(pattern string, expireAfter Expiry) (URLPattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return URLPattern{}, fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	return URLPattern{
		Pattern:     pattern,
		Regex:       true,
		ExpireAfter: expireAfter,
		match:       re.MatchString,
	}, nil
}

// Match reports whether url matches the pattern.
func (p URLPattern) Match(url string) bool {
	if p.match == nil {
		return false
	}
	return p.match(url)
}

// URLPatterns is an ordered expiration table. Order matters: list specific
// patterns before catch-alls like "*".
type URLPatterns []URLPattern

// URLExpiration returns the expiration of the first pattern matching url, or
// unset if none matches.
func URLExpiration(url string, patterns URLPatterns) Expiry {
	for _, p := range patterns {
		if p.Match(url) {
			return p.ExpireAfter
		}
	}
	return Expiry{}
}

type yamlPattern struct {
	Pattern     string `yaml:"pattern"`
	Regex       bool   `yaml:"regex"`
	ExpireAfter Expiry `yaml:"expire_after"`
}

// UnmarshalYAML accepts either an ordered mapping of glob to expiration:
//
//	"*.example.com/static": never
//	"api.example.com": 60
//
// or a list of {pattern, regex, expire_after} entries.
func (ps *URLPatterns) UnmarshalYAML(value *yaml.Node) error {
	var out URLPatterns
	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			var e Expiry
			if err := value.Content[i+1].Decode(&e); err != nil {
				return err
			}
			p, err := GlobPattern(value.Content[i].Value, e)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
	case yaml.SequenceNode:
		var entries []yamlPattern
		if err := value.Decode(&entries); err != nil {
			return err
		}
		for _, entry := range entries {
			compile := GlobPattern
			if entry.Regex {
				compile = RegexPattern
			}
			p, err := compile(entry.Pattern, entry.ExpireAfter)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
	default:
		return fmt.Errorf("line %d: url patterns must be a mapping or a list", value.Line)
	}
	*ps = out
	return nil
}

func stripScheme(url string) string {
	if _, rest, ok := strings.Cut(url, "://"); ok {
		return rest
	}
	return url
}
