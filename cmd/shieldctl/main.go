package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/shield"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("shieldctl - configuration tool for shield")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shieldctl convert <input> <output>                    - Convert between YAML and JSON")
	fmt.Println("  shieldctl validate <file>                             - Validate a configuration")
	fmt.Println("  shieldctl stats <file>                                - Show configuration statistics")
	fmt.Println("  shieldctl check <file> <user> <permission> [type:id]  - Apply config in-memory and authorize")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: shieldctl convert <input> <output>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	outputFile := os.Args[3]
	var data []byte
	switch strings.ToLower(filepath.Ext(outputFile)) {
	case ".json":
		data, err = cfg.ToJSON()
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	default:
		fmt.Printf("Unsupported output format: %s\n", outputFile)
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error encoding config: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shieldctl validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Version:     %d\n", cfg.Version)
	fmt.Printf("  Permissions: %d\n", len(cfg.Permissions))
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Resources:   %d\n", len(cfg.Resources))
	fmt.Printf("  Grants:      %d\n", len(cfg.Grants))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: shieldctl stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Permissions:          %d\n", len(cfg.Permissions))
	fmt.Printf("  Roles:                %d\n", len(cfg.Roles))
	fmt.Printf("  Hierarchy edges:      %d\n", len(cfg.Hierarchy))
	fmt.Printf("  Role grants:          %d\n", len(cfg.RoleGrants))
	fmt.Printf("  Resources:            %d\n", len(cfg.Resources))
	fmt.Printf("  Resource permissions: %d\n", len(cfg.Behaviors))
	fmt.Printf("  User grants:          %d\n", len(cfg.Grants))
	fmt.Printf("  Assignments:          %d\n", len(cfg.Assignments))
	fmt.Printf("  Schedules:            %d\n", len(cfg.Schedules))
	fmt.Println()

	if len(cfg.Permissions) > 0 {
		approvals := 0
		for _, p := range cfg.Permissions {
			if p.RequiresApproval {
				approvals++
			}
		}
		fmt.Println("Permission Details:")
		fmt.Printf("  Requiring approval: %d\n", approvals)
		fmt.Println()
	}

	if len(cfg.Hierarchy) > 0 {
		fmt.Println("Role Hierarchy:")
		for child, parent := range cfg.Hierarchy {
			fmt.Printf("  %s -> %s\n", child, parent)
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Positive decision TTL: %dms\n", cfg.Engine.PositiveTTLMillis)
	fmt.Printf("  Negative decision TTL: %dms\n", cfg.Engine.NegativeTTLMillis)
	fmt.Printf("  Hierarchy TTL:         %dms\n", cfg.Engine.HierarchyTTLMillis)
}

// handleCheck builds an in-memory engine, applies the configuration and
// runs one authorization, printing the full reason trail.
func handleCheck() {
	if len(os.Args) < 5 {
		fmt.Println("Usage: shieldctl check <file> <user> <permission> [type:id]")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, err := shield.NewEngine(
		shield.NewMemoryPermissionStore(),
		shield.NewMemoryRoleStore(),
		shield.NewMemoryResourceStore(),
		shield.NewMemoryTemporalStore(),
	)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	user, permission := os.Args[3], os.Args[4]
	resourceType, resourceID := "", ""
	if len(os.Args) > 5 {
		parts := strings.SplitN(os.Args[5], ":", 2)
		if len(parts) != 2 {
			fmt.Printf("Bad resource key %q, want type:id\n", os.Args[5])
			os.Exit(1)
		}
		resourceType, resourceID = parts[0], parts[1]
	}

	decision, err := engine.Authorize(ctx, user, permission, resourceType, resourceID, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if decision.Allowed {
		fmt.Println("ALLOWED")
	} else {
		fmt.Println("DENIED")
	}
	for _, reason := range decision.Reasons {
		fmt.Printf("  %s\n", reason)
	}
}

func loadConfig(filename string) (*shield.Config, error) {
	loader := shield.NewConfigLoader()
	return loader.LoadFile(filename)
}
