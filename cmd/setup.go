package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/stigharden/pkg/adk"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := bufio.NewScanner(os.Stdin)
		ask := func() string {
			scanner.Scan()
			return strings.TrimSpace(scanner.Text())
		}
		fmt.Println("Welcome to the stigharden Setup Wizard")
		fmt.Println("--------------------------------------")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 1. Select Provider
		fmt.Println("Step 1: Choose the reasoning provider")
		fmt.Println("1. Ollama (local, no key)")
		fmt.Println("2. Gemini (Google)")
		fmt.Println("3. OpenAI-compatible")
		fmt.Print("Enter number or name > ")

		var provider string
		switch strings.ToLower(ask()) {
		case "1", "ollama":
			provider = "ollama"
		case "2", "gemini":
			provider = "gemini"
		case "3", "openai":
			provider = "openai"
		default:
			return fmt.Errorf("invalid provider choice")
		}

		// 2. Credentials or endpoint
		apiKey, baseURL := cfg.GetAPIKey(provider), cfg.GetBaseURL(provider)
		if provider == "ollama" {
			fmt.Printf("\nStep 2: Ollama URL [%s]\n> ", baseURL)
			if v := ask(); v != "" {
				baseURL = v
			}
		} else {
			fmt.Printf("\nStep 2: Enter API Key for %s\n> ", provider)
			apiKey = ask()
			if apiKey == "" {
				return fmt.Errorf("API key cannot be empty")
			}
			if provider == "openai" {
				fmt.Print("Base URL (blank for api.openai.com) > ")
				baseURL = ask()
			}
		}

		// 3. Fetch Models
		fmt.Println("\nStep 3: Validating and fetching available models...")
		ctx := context.Background()
		p, err := adk.NewProvider(ctx, provider, apiKey, baseURL, "")
		if err != nil {
			return fmt.Errorf("initialize provider: %w", err)
		}
		if closer, ok := p.(interface{ Close() }); ok {
			defer closer.Close()
		}

		var selectedModel string
		models, err := p.ListModels(ctx)
		if err != nil || len(models) == 0 {
			fmt.Printf("Warning: Could not fetch models: %v\n", err)
			fmt.Println("Please enter model name manually (e.g. 'llama3.1', 'gemini-1.5-pro', 'gpt-4o'):")
			fmt.Print("> ")
			selectedModel = ask()
		} else {
			fmt.Printf("Successfully retrieved %d models.\n", len(models))
			for i, m := range models {
				fmt.Printf("%d. %s\n", i+1, m)
			}
			fmt.Print("Select Model (number) > ")
			selIdx, err := strconv.Atoi(ask())
			if err != nil || selIdx < 1 || selIdx > len(models) {
				fmt.Println("Invalid selection. Using first available model.")
				selectedModel = models[0]
			} else {
				selectedModel = models[selIdx-1]
			}
		}

		// 4. Save Configuration
		fmt.Println("\nStep 4: Saving Configuration...")
		cfg.SelectedProvider = provider
		cfg.SelectedModel = selectedModel
		pc := cfg.Providers[provider]
		pc.APIKey, pc.BaseURL = apiKey, baseURL
		cfg.Providers[provider] = pc

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println("--------------------------------------")
		fmt.Println("Setup Complete!")
		fmt.Printf("Provider: %s\n", provider)
		fmt.Printf("Model:    %s\n", selectedModel)
		fmt.Println("Take a baseline with 'stigharden run --scan-only'")
		return nil
	},
}

func init() {
	configCmd.AddCommand(setupCmd)
}
