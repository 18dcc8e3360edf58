package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Command-line client for the stats API. 'api' mode hits the HTTP server;
// 'direct' mode bypasses it and reads the columnar mirror.
func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	server := flag.String("server", "http://localhost:8080", "Base URL of the stats API server.")
	backend := flag.String("backend", "default", "Backend id to query.")
	resource := flag.String("resource", "summary", "Resource to fetch: summary, domains, ips, proxies, rules, countries, devices, chain-flows, trend.")
	rule := flag.String("rule", "", "Restrict to one rule (domains/ips/chain-flows resources).")
	startStr := flag.String("start", "", "Range start, RFC3339 or unix milliseconds (optional).")
	endStr := flag.String("end", "", "Range end, RFC3339 or unix milliseconds (optional).")
	limit := flag.Int("limit", 50, "Page size for paginated resources.")
	offset := flag.Int("offset", 0, "Page offset for paginated resources.")
	search := flag.String("search", "", "Substring filter for paginated resources.")

	chAddr := flag.String("ch-addr", "localhost:9000", "ClickHouse address for direct mode.")
	chDatabase := flag.String("ch-database", "default", "ClickHouse database for direct mode.")
	chUser := flag.String("ch-user", "default", "ClickHouse username for direct mode.")
	chPassword := flag.String("ch-password", "", "ClickHouse password for direct mode.")

	flag.Parse()

	log.Printf("Running in '%s' mode.", *mode)

	switch *mode {
	case "api":
		queryViaAPI(*server, *backend, *resource, *rule, *startStr, *endStr, *limit, *offset, *search)
	case "direct":
		directQueryClickHouse(*chAddr, *chDatabase, *chUser, *chPassword, *backend, *startStr, *endStr)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
}

func queryViaAPI(server, backend, resource, rule, start, end string, limit, offset int, search string) {
	path := "/api/v1/backends/" + url.PathEscape(backend) + "/" + resource
	if rule != "" {
		switch resource {
		case "domains", "ips":
			path = "/api/v1/backends/" + url.PathEscape(backend) + "/rules/" + url.PathEscape(rule) + "/" + resource
		case "chain-flows":
			path += "/" + url.PathEscape(rule)
		}
	}

	params := url.Values{}
	if start != "" {
		params.Set("start", start)
	}
	if end != "" {
		params.Set("end", end)
	}
	if search != "" {
		params.Set("search", search)
	}
	params.Set("limit", fmt.Sprint(limit))
	params.Set("offset", fmt.Sprint(offset))

	apiURL := server + path + "?" + params.Encode()
	log.Printf("Sending request to %s", apiURL)

	resp, err := http.Get(apiURL)
	if err != nil {
		log.Fatalf("Error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned non-200 status code: %d\nResponse: %s", resp.StatusCode, string(respBody))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, respBody, "", "  "); err != nil {
		log.Printf("Could not prettify JSON, printing raw response:")
		fmt.Println(string(respBody))
		return
	}

	log.Println("---")
	fmt.Println(prettyJSON.String())
}

func directQueryClickHouse(addr, database, user, password, backend, startStr, endStr string) {
	connOpts := clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			Rule,
			SUM(Upload) AS TotalUpload,
			SUM(Download) AS TotalDownload,
			SUM(Connections) AS TotalConnections,
			uniqExact(Domain) AS DomainCount
		FROM traffic_facts
`)

	whereClauses := []string{"BackendID = ?"}
	args := []interface{}{backend}

	if startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			log.Fatalf("Invalid start time format: %v", err)
		}
		whereClauses = append(whereClauses, "Bucket >= ?")
		args = append(args, start)
	}
	if endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			log.Fatalf("Invalid end time format: %v", err)
		}
		whereClauses = append(whereClauses, "Bucket < ?")
		args = append(args, end)
	}

	queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	queryBuilder.WriteString("\n		GROUP BY Rule\n		ORDER BY TotalDownload DESC\n")

	conn, err := clickhouse.Open(&connOpts)
	if err != nil {
		log.Fatalf("Error connecting to ClickHouse: %v", err)
	}
	defer conn.Close()

	log.Println("Successfully connected to ClickHouse.")

	rows, err := conn.Query(context.Background(), queryBuilder.String(), args...)
	if err != nil {
		log.Fatalf("Error executing query: %v", err)
	}
	defer rows.Close()

	log.Println("--- Per-Rule Totals (Direct) ---")

	var foundResult bool
	for rows.Next() {
		foundResult = true
		var (
			queriedRule      string
			totalUpload      uint64
			totalDownload    uint64
			totalConnections uint64
			domainCount      uint64
		)

		if err := rows.Scan(&queriedRule, &totalUpload, &totalDownload, &totalConnections, &domainCount); err != nil {
			log.Printf("Error scanning row: %v", err)
			continue
		}

		fmt.Printf("Rule: %s\n", queriedRule)
		fmt.Printf("  TotalUpload: %d\n", totalUpload)
		fmt.Printf("  TotalDownload: %d\n", totalDownload)
		fmt.Printf("  TotalConnections: %d\n", totalConnections)
		fmt.Printf("  DomainCount: %d\n", domainCount)
		fmt.Println("---------------------")
	}

	if !foundResult {
		log.Println("No data found for the specified criteria.")
	}

	if err := rows.Err(); err != nil {
		log.Printf("An error occurred during row iteration: %v", err)
	}
}
