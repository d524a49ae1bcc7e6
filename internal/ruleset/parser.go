package ruleset

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ListFormat is the on-disk/remote format of a blocklist source.
type ListFormat int

const (
	FormatAuto ListFormat = iota
	FormatDomains
	FormatHosts
	FormatAdblock
)

// ParseListFormat maps a config string ("auto", "adblock", "hosts",
// "domains") to a ListFormat, defaulting to FormatAuto for anything else.
func ParseListFormat(s string) ListFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "domains":
		return FormatDomains
	case "hosts":
		return FormatHosts
	case "adblock":
		return FormatAdblock
	default:
		return FormatAuto
	}
}

// Parser turns blocklist sources (file, URL, or inline slice) into a
// DomainTrie of blocked destination domains.
type Parser struct {
	IgnoreComments bool
	TrimWhitespace bool
	Timeout        int // HTTP fetch timeout, milliseconds
}

// NewParser creates a Parser with sensible defaults.
func NewParser() *Parser {
	return &Parser{IgnoreComments: true, TrimWhitespace: true, Timeout: 60000}
}

// ParseFile parses a local blocklist file.
func (p *Parser) ParseFile(path string, format ListFormat) (*DomainTrie, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist file: %w", err)
	}
	defer file.Close()
	return p.Parse(file, format)
}

// ParseURL fetches and parses a remote blocklist.
func (p *Parser) ParseURL(url string, format ListFormat) (*DomainTrie, error) {
	timeout := time.Duration(p.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch blocklist %s: HTTP %s", url, resp.Status)
	}
	return p.Parse(resp.Body, format)
}

// Parse reads a blocklist from r, auto-detecting the format per line when
// format is FormatAuto.
func (p *Parser) Parse(r io.Reader, format ListFormat) (*DomainTrie, error) {
	trie := NewDomainTrie()
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if p.TrimWhitespace {
			line = strings.TrimSpace(line)
		}
		if line == "" {
			continue
		}

		lineFormat := format
		if lineFormat == FormatAuto {
			lineFormat = p.detectFormat(line)
		}

		domain, wildcard := p.parseLine(line, lineFormat)
		if domain != "" {
			trie.Add(domain, wildcard)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return trie, nil
}

// ParseDomainsSlice builds a trie from an inline slice of domains (the
// config's blacklist-domains list, or Sources.WhitelistDomains).
func (p *Parser) ParseDomainsSlice(domains []string) *DomainTrie {
	trie := NewDomainTrie()
	for _, domain := range domains {
		domain = normalizeDomain(domain)
		if domain != "" && isValidDomain(domain) {
			trie.Add(domain, true)
		}
	}
	return trie
}

func (p *Parser) detectFormat(line string) ListFormat {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return FormatAuto
	}
	if strings.HasPrefix(line, "||") {
		return FormatAdblock
	}
	if strings.HasPrefix(line, "0.0.0.0") || strings.HasPrefix(line, "127.0.0.1") {
		return FormatHosts
	}
	return FormatDomains
}

func (p *Parser) parseLine(line string, format ListFormat) (string, bool) {
	if line == "" {
		return "", false
	}
	if p.IgnoreComments && (strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!")) {
		return "", false
	}
	switch format {
	case FormatAdblock:
		return p.parseAdblockLine(line)
	case FormatHosts:
		return p.parseHostsLine(line)
	default:
		return p.parseDomainsLine(line)
	}
}

func (p *Parser) parseAdblockLine(line string) (string, bool) {
	if strings.HasPrefix(line, "@@") {
		return "", false // whitelist rule, not handled here
	}
	if !strings.HasPrefix(line, "||") {
		return "", false
	}
	domain := strings.TrimPrefix(line, "||")
	if idx := strings.Index(domain, "^"); idx >= 0 {
		domain = domain[:idx]
	}
	if idx := strings.Index(domain, "$"); idx >= 0 {
		domain = domain[:idx]
	}
	if strings.Contains(domain, "/") || strings.Contains(domain, "*") {
		return "", false
	}
	domain = normalizeDomain(domain)
	if domain == "" || !isValidDomain(domain) {
		return "", false
	}
	return domain, true
}

func (p *Parser) parseHostsLine(line string) (string, bool) {
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	if fields[0] != "0.0.0.0" && fields[0] != "127.0.0.1" {
		return "", false
	}
	domain := normalizeDomain(fields[1])
	if domain == "" || !isValidDomain(domain) || domain == "localhost" || domain == "localhost.localdomain" {
		return "", false
	}
	return domain, true
}

func (p *Parser) parseDomainsLine(line string) (string, bool) {
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	domain := normalizeDomain(strings.TrimSpace(line))
	if domain == "" || !isValidDomain(domain) {
		return "", false
	}
	return domain, true
}

func isValidDomain(domain string) bool {
	if domain == "" || len(domain) > 253 || !strings.Contains(domain, ".") {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if !isAlphaNum(label[0]) || !isAlphaNum(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphaNum(byte(c)) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphaNum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
