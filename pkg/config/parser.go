package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ParseError is any configuration failure; the CLI maps it to its own exit
// code.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load parses the mirror.list at path, plus any alphabetically sorted
// mirror.list.d/*.list next to it.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	p := &parser{
		cfg:   cfg,
		repos: map[string]*Repository{},
		vars:  map[string]string{},
	}

	files := []string{configPath}
	dropIn, err := filepath.Glob(filepath.Join(filepath.Dir(configPath), "mirror.list.d", "*.list"))
	if err == nil {
		sort.Strings(dropIn)
		files = append(files, dropIn...)
	}

	for _, file := range files {
		if err := p.parseFile(file); err != nil {
			return nil, err
		}
	}
	if err := p.finish(); err != nil {
		return nil, &ParseError{File: configPath, Err: err}
	}
	return cfg, nil
}

type parser struct {
	cfg   *Config
	repos map[string]*Repository
	order []string
	vars  map[string]string
}

var debLine = regexp.MustCompile(`^(deb-src|deb(?:-(\S+))?)\s+(?:\[([^\]]+)\]\s+)?(\S+)\s+(\S+)(?:\s+(.+))?$`)

func (p *parser) parseFile(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return &ParseError{File: file, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for num := 1; scanner.Scan(); num++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := p.parseLine(line); err != nil {
			return &ParseError{File: file, Line: num, Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return &ParseError{File: file, Err: err}
	}
	return nil
}

func (p *parser) parseLine(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("malformed set directive: %q", line)
		}
		key := fields[1]
		value := p.expand(strings.Trim(strings.Join(fields[2:], " "), `"'`))
		return p.set(key, value)

	case "clean", "skip-clean":
		if len(fields) != 2 {
			return fmt.Errorf("malformed %s directive: %q", fields[0], line)
		}
		prefix, err := sanitizeRawURL(p.expand(fields[1]))
		if err != nil {
			return err
		}
		if fields[0] == "clean" {
			p.cfg.CleanPrefixes = append(p.cfg.CleanPrefixes, prefix)
		} else {
			p.cfg.SkipCleanPrefixes = append(p.cfg.SkipCleanPrefixes, prefix)
		}
		return nil
	}

	if m := debLine.FindStringSubmatch(line); m != nil {
		return p.addRepository(m)
	}
	slog.Warn("ignoring unrecognized configuration line", slog.String("line", line))
	return nil
}

// addRepository accumulates a deb/deb-src/deb-<arch> line, merging lines
// that share URL and suite.
func (p *parser) addRepository(m []string) error {
	kind, lineArch, options := m[1], m[2], m[3]
	rawURL, suite := p.expand(m[4]), m[5]
	components := strings.Fields(m[6])

	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return fmt.Errorf("malformed repository URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}

	var arches []string
	var keyring string
	if lineArch != "" {
		arches = append(arches, lineArch)
	}
	for _, opt := range strings.Fields(options) {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return fmt.Errorf("malformed repository option %q", opt)
		}
		switch key {
		case "arch":
			arches = append(arches, strings.Split(value, ",")...)
		case "signed-by":
			keyring = value
		default:
			slog.Warn("ignoring unknown repository option", slog.String("option", key))
		}
	}

	key := u.Host + path.Join("/", u.Path) + " " + suite
	repo, ok := p.repos[key]
	if !ok {
		repo = &Repository{URL: u, Suite: suite}
		p.repos[key] = repo
		p.order = append(p.order, key)
	}
	repo.addComponents(components)
	if keyring != "" {
		repo.Keyring = keyring
	}

	if kind == "deb-src" {
		repo.Sources = true
	} else {
		repo.Binaries = true
		if len(arches) == 0 {
			// defaultarch may be set later in the file; resolved in finish.
			arches = []string{""}
		}
		repo.addArchitectures(arches)
	}
	return nil
}

var varRef = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// expand substitutes $var references with previously-set values.
func (p *parser) expand(value string) string {
	for range [16]struct{}{} {
		if !strings.Contains(value, "$") {
			break
		}
		replaced := varRef.ReplaceAllStringFunc(value, func(ref string) string {
			if v, ok := p.lookupVar(ref[1:]); ok {
				return v
			}
			return ref
		})
		if replaced == value {
			break
		}
		value = replaced
	}
	return value
}

func (p *parser) lookupVar(name string) (string, bool) {
	if v, ok := p.vars[name]; ok {
		return v, true
	}
	// The path variables have defaults usable before any set directive.
	switch name {
	case "base_path":
		return p.cfg.BasePath, true
	case "mirror_path":
		return p.cfg.BasePath + "/mirror", true
	case "skel_path":
		return p.cfg.BasePath + "/skel", true
	case "var_path":
		return p.cfg.BasePath + "/var", true
	}
	return "", false
}

func (p *parser) set(key, value string) error {
	p.vars[key] = value
	cfg := p.cfg

	var err error
	switch key {
	case "base_path":
		cfg.BasePath = value
	case "mirror_path":
		cfg.MirrorPath = value
	case "skel_path":
		cfg.SkelPath = value
	case "var_path":
		cfg.VarPath = value
	case "defaultarch":
		cfg.DefaultArch = value
	case "nthreads":
		cfg.NThreads, err = strconv.Atoi(value)
	case "limit_rate":
		cfg.LimitRate, err = parseRate(value)
	case "unlink":
		cfg.Unlink, err = parseBool(value)
	case "use_proxy":
		cfg.UseProxy, err = parseBool(value)
	case "http_proxy":
		cfg.HTTPProxy = value
	case "https_proxy":
		cfg.HTTPSProxy = value
	case "proxy_user":
		cfg.ProxyUser = value
	case "proxy_password":
		cfg.ProxyPassword = value
	case "auth_no_challenge":
		cfg.AuthNoChallenge, err = parseBool(value)
	case "no_check_certificate":
		cfg.NoCheckCertificate, err = parseBool(value)
	case "certificate":
		cfg.Certificate = value
	case "private_key":
		cfg.PrivateKey = value
	case "ca_certificate":
		cfg.CACertificate = value
	case "verify_checksums":
		cfg.VerifyChecksums, err = parseBool(value)
	case "verify_gpg":
		cfg.VerifyGPG, err = parseBool(value)
	case "gpg_keyring":
		cfg.GPGKeyring = value
	case "resume_partial_downloads":
		cfg.ResumePartialDownloads, err = parseBool(value)
	case "retry_attempts":
		cfg.RetryAttempts, err = strconv.Atoi(value)
	case "retry_delay":
		var seconds float64
		seconds, err = strconv.ParseFloat(value, 64)
		cfg.RetryDelay = time.Duration(seconds * float64(time.Second))
	case "clean":
		cfg.Clean = CleanMode(value)
	case "run_postmirror":
		cfg.RunPostmirror, err = parseBool(value)
	case "postmirror_script":
		cfg.PostmirrorScript = value
	case "cleanscript":
		cfg.CleanScript = value
	default:
		// Unknown keys warn and are ignored for forward compatibility.
		slog.Warn("ignoring unknown configuration key", slog.String("key", key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q: %w", key, value, err)
	}
	return nil
}

func (p *parser) finish() error {
	cfg := p.cfg
	for _, key := range p.order {
		repo := p.repos[key]
		resolved := make([]string, 0, len(repo.Architectures))
		for _, a := range repo.Architectures {
			if a == "" {
				a = cfg.DefaultArch
			}
			if !contains(resolved, a) {
				resolved = append(resolved, a)
			}
		}
		sort.Strings(resolved)
		repo.Architectures = resolved
		cfg.Repositories = append(cfg.Repositories, repo)
	}
	if len(cfg.Repositories) == 0 {
		return fmt.Errorf("no repositories configured")
	}
	return cfg.finalize()
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "yes", "on", "true":
		return true, nil
	case "0", "no", "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

// parseRate parses limit_rate values like "500k" or "100m" into bytes/sec.
func parseRate(value string) (int64, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	multiplier := int64(1)
	switch value[len(value)-1] {
	case 'k', 'K':
		multiplier = 1024
		value = value[:len(value)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		value = value[:len(value)-1]
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// Sanitize turns a repository URL into the host/path prefix used for the
// local tree, dropping scheme and userinfo.
func Sanitize(u *url.URL) string {
	if p := path.Join("/", u.Path); p != "/" {
		return u.Host + p
	}
	return u.Host
}

func sanitizeRawURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return "", fmt.Errorf("malformed URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("malformed URL %q: missing host", raw)
	}
	return Sanitize(u), nil
}
