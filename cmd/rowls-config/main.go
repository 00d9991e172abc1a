package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/rowls"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rowls-config - Policy configuration tool for rowls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rowls-config convert <input> <output>  - Convert between formats")
	fmt.Println("  rowls-config validate <file>           - Validate a policy configuration")
	fmt.Println("  rowls-config stats <file>              - Show configuration statistics")
	fmt.Println()
	fmt.Println("Supported formats: .dsl, .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: rowls-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rowls-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Build compiles every predicate and runs policy validation; it catches
	// everything a registry swap would reject.
	policies, err := cfg.Build()
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	registry := rowls.NewRegistry()
	if err := registry.Swap(policies); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version:  %d\n", cfg.Version)
	fmt.Printf("  Policies: %d\n", len(policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rowls-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	policies, err := cfg.Build()
	if err != nil {
		fmt.Printf("Error compiling config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Printf("Policies: %d\n", len(policies))
	fmt.Println()

	byRole := map[rowls.Role]int{}
	byEntity := map[string]int{}
	opCount := 0
	for _, p := range policies {
		byRole[p.Role]++
		byEntity[p.Entity]++
		opCount += len(p.Operations)
	}

	fmt.Println("By role:")
	for _, role := range []rowls.Role{rowls.RoleAdmin, rowls.RoleCrew, rowls.RoleClient, rowls.RoleAnon} {
		if n := byRole[role]; n > 0 {
			fmt.Printf("  %-8s %d\n", role, n)
		}
	}
	fmt.Println()

	fmt.Println("By entity:")
	for entity, n := range byEntity {
		fmt.Printf("  %-24s %d\n", entity, n)
	}
	fmt.Println()

	fmt.Printf("Operation grants: %d (avg %.1f per policy)\n",
		opCount, float64(opCount)/float64(max(len(policies), 1)))
}

func loadConfig(filename string) (*rowls.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".dsl":
		return rowls.ParseDSL(data)
	case ".yaml", ".yml":
		return rowls.NewConfigLoader().LoadYAML(data)
	case ".json":
		return rowls.NewConfigLoader().LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *rowls.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".dsl":
		data, err = rowls.EncodeDSL(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
