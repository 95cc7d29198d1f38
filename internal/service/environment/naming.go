package environment

import (
	"regexp"
	"strings"
)

var (
	namePattern    = regexp.MustCompile(`^[a-zA-Z0-9_\- ]{3,100}$`)
	envKeyPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	nonSlugPattern = regexp.MustCompile(`[^a-z0-9-]`)
	dashRun        = regexp.MustCompile(`-+`)
)

// Slugify lowercases s and reduces it to a DNS label of [a-z0-9-].
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = nonSlugPattern.ReplaceAllString(s, "-")
	s = dashRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// DeriveDomain builds the routable hostname for an environment.
func DeriveDomain(username, name, suffix string) string {
	label := Slugify(username + "-" + name)
	if label == "" {
		return ""
	}
	suffix = strings.Trim(strings.ToLower(suffix), ".")
	if suffix == "" {
		return label
	}
	return label + "." + suffix
}

// ContainerName returns the engine resource name for an environment id.
func ContainerName(prefix, id string) string {
	return prefix + id
}
