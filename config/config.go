package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-wikidump/parser"
)

// RevisionMode selects where page revisions come from.
type RevisionMode string

const (
	// ModeExport fetches each title through Special:Export on index.php.
	ModeExport RevisionMode = "export"
	// ModeAPIPage fetches each title through prop=revisions on api.php.
	ModeAPIPage RevisionMode = "api"
	// ModeGenerator walks list=allrevisions across the whole wiki.
	ModeGenerator RevisionMode = "generator"
)

// BoosterMode selects which Wayback Machine snapshot replaces an image URL.
type BoosterMode int

const (
	BoosterOff BoosterMode = iota
	BoosterEarliest
	BoosterLatest
	BoosterClosest
)

func (m BoosterMode) String() string {
	switch m {
	case BoosterOff:
		return "off"
	case BoosterEarliest:
		return "earliest"
	case BoosterLatest:
		return "latest"
	case BoosterClosest:
		return "closest"
	default:
		return "unknown"
	}
}

// Config holds the run configuration. It is created once and not mutated
// after the run starts.
type Config struct {
	API   string `yaml:"api"`
	Index string `yaml:"index"`
	Date  string `yaml:"date"`
	Path  string `yaml:"path"`

	XML     bool         `yaml:"xml"`
	Images  bool         `yaml:"images"`
	CurOnly bool         `yaml:"curonly"`
	Mode    RevisionMode `yaml:"mode"`

	AllNamespaces     bool  `yaml:"all_namespaces"`
	Namespaces        []int `yaml:"namespaces,omitempty"`
	ExcludeNamespaces []int `yaml:"exclude_namespaces,omitempty"`

	ChunkSize    int           `yaml:"chunk_size"`
	Delay        time.Duration `yaml:"delay"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`

	FilenameLimit      int         `yaml:"filename_limit"`
	BypassCDN          bool        `yaml:"bypass_cdn"`
	DisableImageVerify bool        `yaml:"disable_image_verify"`
	ImageInterval      string      `yaml:"image_interval,omitempty"`
	Booster            BoosterMode `yaml:"booster"`

	Verbose     bool   `yaml:"-"`
	MetricsAddr string `yaml:"-"`
}

// DefaultConfig returns polite defaults for an unknown wiki.
func DefaultConfig() *Config {
	return &Config{
		Date:          time.Now().Format("20060102"),
		XML:           true,
		Mode:          ModeExport,
		AllNamespaces: true,
		ChunkSize:     50,
		Delay:         1500 * time.Millisecond,
		Retries:       5,
		RetryBackoff:  time.Second,
		Timeout:       30 * time.Second,
		UserAgent:     "go-wikidump/1.0 (+https://github.com/aluiziolira/go-wikidump)",
		FilenameLimit: 240,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.API == "" && c.Index == "" {
		return fmt.Errorf("api or index URL is required")
	}
	for _, raw := range []string{c.API, c.Index} {
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid wiki URL %q: %w", raw, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("wiki URL %q must start with http:// or https://", raw)
		}
		if parsed.Host == "" {
			return fmt.Errorf("wiki URL %q must include a host", raw)
		}
	}
	if !c.XML && !c.Images {
		return fmt.Errorf("nothing to dump: enable xml or images")
	}
	switch c.Mode {
	case ModeExport:
		if c.XML && c.Index == "" {
			return fmt.Errorf("export mode requires an index URL")
		}
	case ModeAPIPage:
		if c.XML && c.API == "" {
			return fmt.Errorf("api mode requires an api URL")
		}
	case ModeGenerator:
		if c.XML && c.API == "" {
			return fmt.Errorf("generator mode requires an api URL")
		}
		if c.CurOnly {
			return fmt.Errorf("generator mode is not supported with curonly")
		}
	default:
		return fmt.Errorf("unknown revision mode %q", c.Mode)
	}
	if !c.AllNamespaces && len(c.Namespaces) == 0 {
		return fmt.Errorf("namespace inclusion list cannot be empty")
	}
	if c.Date == "" {
		return fmt.Errorf("date cannot be empty")
	}
	if c.Path == "" {
		return fmt.Errorf("output path cannot be empty")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 500 {
		return fmt.Errorf("chunk size must be between 1 and 500")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.FilenameLimit < 64 {
		return fmt.Errorf("filename limit must be at least 64 bytes")
	}
	if c.Booster < BoosterOff || c.Booster > BoosterClosest {
		return fmt.Errorf("booster mode must be 0-3")
	}
	if c.ImageInterval != "" {
		if _, err := ParseInterval(c.ImageInterval); err != nil {
			return err
		}
	}
	return nil
}

// Keep reports whether titles of namespace ns pass the include/exclude filter.
func (c *Config) Keep(ns int) bool {
	if !c.AllNamespaces && !containsInt(c.Namespaces, ns) {
		return false
	}
	return !containsInt(c.ExcludeNamespaces, ns)
}

// Prefix is the wiki-derived file name prefix.
func (c *Config) Prefix() string {
	return parser.WikiPrefix(c.API, c.Index)
}

// DefaultPath is the output directory used when none is given.
func (c *Config) DefaultPath() string {
	return filepath.Join(".", fmt.Sprintf("%s-%s-wikidump", c.Prefix(), c.Date))
}

// TitlesPath is the TitleList file.
func (c *Config) TitlesPath() string {
	return filepath.Join(c.Path, fmt.Sprintf("%s-%s-titles.txt", c.Prefix(), c.Date))
}

// DumpPath is the XML dump file.
func (c *Config) DumpPath() string {
	kind := "history"
	if c.CurOnly {
		kind = "current-only"
	}
	return filepath.Join(c.Path, fmt.Sprintf("%s-%s-%s.xml", c.Prefix(), c.Date, kind))
}

// CursorPath is the generator-mode continuation sidecar of the dump.
func (c *Config) CursorPath() string {
	return c.DumpPath() + ".cursor"
}

// ImageListPath is the ImageList file.
func (c *Config) ImageListPath() string {
	return filepath.Join(c.Path, fmt.Sprintf("%s-%s-images.txt", c.Prefix(), c.Date))
}

// ImagesDir holds downloaded binaries.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.Path, "images")
}

// ImagesDonePath marks an image phase that ran to the end of the list, failed
// downloads included, so a resume does not retry them.
func (c *Config) ImagesDonePath() string {
	return filepath.Join(c.Path, "images.done")
}

// ErrorLogPath is the append-only log of skipped items.
func (c *Config) ErrorLogPath() string {
	return filepath.Join(c.Path, "errors.log")
}

// SiteInfoPath is the siteinfo snapshot.
func (c *Config) SiteInfoPath() string {
	return filepath.Join(c.Path, "siteinfo.json")
}

// IndexPagePath is the snapshot of the wiki's front page.
func (c *Config) IndexPagePath() string { return filepath.Join(c.Path, "index.html") }

// SpecialVersionPath is the snapshot of Special:Version.
func (c *Config) SpecialVersionPath() string { return filepath.Join(c.Path, "SpecialVersion.html") }

var namespaceList = regexp.MustCompile(`[^\d, \-]`)

// ParseNamespaces parses "all" or a comma separated list of namespace ids.
func ParseNamespaces(value string) (all bool, ids []int, err error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), " ", "")
	if value == "" || strings.EqualFold(value, "all") {
		return true, nil, nil
	}
	if namespaceList.MatchString(value) {
		return false, nil, fmt.Errorf("invalid namespace list %q: want integers separated by commas", value)
	}
	for _, part := range strings.Split(value, ",") {
		if part == "" {
			continue
		}
		id, convErr := strconv.Atoi(part)
		if convErr != nil {
			return false, nil, fmt.Errorf("invalid namespace %q: %w", part, convErr)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return false, nil, fmt.Errorf("invalid namespace list %q", value)
	}
	return false, ids, nil
}

// ParseExcludedNamespaces parses an exclusion list; "all" is rejected.
func ParseExcludedNamespaces(value string) ([]int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	all, ids, err := ParseNamespaces(value)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, fmt.Errorf("cannot exclude all namespaces")
	}
	return ids, nil
}

// EnvString returns the value of key when set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when set.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// EnvDuration parses key as a Go duration when set.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return d, true, nil
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
