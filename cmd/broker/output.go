package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Println(renderValue(v))
			}
			return
		}
		// Sorted so raw output is stable for scripts.
		for _, k := range sortedKeys(data) {
			fmt.Printf("%s=%s\n", k, renderValue(data[k]))
		}
	default: // table
		printTable(data)
	}
}

// printData unwraps the API's {"data": ...} envelope before printing.
func printData(result map[string]any) {
	switch d := result["data"].(type) {
	case map[string]any:
		printResult(d)
	case []any:
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				printResult(m)
				fmt.Println()
			} else {
				fmt.Println(renderValue(item))
			}
		}
	default:
		printResult(result)
	}
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%s\n", kk, renderValue(val[kk]))
			}
		default:
			fmt.Fprintf(w, "%s\t%s\n", k, renderValue(data[k]))
		}
	}
	w.Flush()
}

// renderValue flattens a JSON value for table and raw output. Empty
// values render as "-" so columns stay aligned and scannable.
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		if val == "" {
			return "-"
		}
		return val
	case []any:
		if len(val) == 0 {
			return "-"
		}
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = renderValue(item)
		}
		return strings.Join(parts, ", ")
	case float64:
		// JSON numbers decode as float64; print integers without a
		// trailing ".0" so IDs and counts look like IDs and counts.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
