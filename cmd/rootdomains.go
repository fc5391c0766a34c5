package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// loadRootDomainsFile reads one root domain per line, ignoring blank lines
// and "#"-prefixed comments, for the Match Pipeline's optional post-match
// root-domain filter (spec.md §6 root_domains_file?).
func loadRootDomainsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading root domains file: %w", err)
	}
	defer f.Close()

	var domains []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading root domains file: %w", err)
	}
	return domains, nil
}
