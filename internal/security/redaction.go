// Package security scrubs credentials out of text that ends up in logs.
package security

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	secretKeyPattern     = regexp.MustCompile(`(?i)password|passwd|secret|api[_-]?key|token|credential|private[_-]?key|auth`)
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	kvLooseSecretPattern = regexp.MustCompile(`(?i)\b(client_secret|private_key|aws_access_key_id|aws_secret_access_key)\b\s+(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	flagSecretPattern    = regexp.MustCompile(`(?i)^(--?` + secretKeyExpr + `=).+$`)
)

// RedactText masks credentials embedded in free text: key=value pairs,
// JSON fields, authorization headers, bearer tokens and PEM keys.
func RedactText(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+redacted+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + " " + redacted
	})
	out = kvLooseSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, " \t")
		if idx < 0 {
			return redacted
		}
		return match[:idx] + " " + redacted
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+redacted)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+redacted)
	return out
}

// SecretKey reports whether an environment or header name looks like it
// holds a credential.
func SecretKey(name string) bool {
	return secretKeyPattern.MatchString(name)
}

// RedactEnv returns the variable names of env, with secret-looking values
// masked, as sorted NAME=value pairs.
func RedactEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		if SecretKey(k) {
			v = redacted
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// RedactArgs masks --token=value style flags and embedded credentials in
// an argument vector.
func RedactArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		if m := flagSecretPattern.FindStringSubmatch(a); m != nil {
			out[i] = m[1] + redacted
			continue
		}
		out[i] = RedactText(a)
	}
	return out
}

// RedactURL drops userinfo and secret-looking query values.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return RedactText(raw)
	}
	if u.User != nil {
		u.User = url.User(redacted)
	}
	q := u.Query()
	changed := false
	for k := range q {
		if SecretKey(k) {
			q.Set(k, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
