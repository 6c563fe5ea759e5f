package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"basement/forum"
	"basement/utils"

	"github.com/spf13/cobra"
)

func init() {
	boardCommand := &cobra.Command{
		Use:   "board",
		Short: "Manage boards",
	}
	rootCommand.AddCommand(boardCommand)

	var slug, title, about string
	createBoardCommand := &cobra.Command{
		Use:   "create",
		Short: "Create a new board",
		Run: func(cmd *cobra.Command, args []string) {
			if slug == "" || title == "" {
				fmt.Printf("You must provide --slug and --title.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			dbService := openDB()
			defer dbService.DB.Close()

			engine := forum.NewEngine(forum.Deps{DB: dbService}, forum.Config{}, logger)
			board, err := engine.CreateBoard(context.Background(), "cli", slug, title, about)
			if err != nil {
				var fe *forum.Error
				if errors.As(err, &fe) {
					fmt.Printf("Could not create board: %s\n", fe.Message)
					os.Exit(1)
				}
				panic(err)
			}
			fmt.Printf("Created board /%s/ - %s\n", board.Slug, board.Title)
		},
	}
	createBoardCommand.Flags().StringVar(&slug, "slug", "", "Board slug, lowercase letters and digits")
	createBoardCommand.Flags().StringVar(&title, "title", "", "Display title")
	createBoardCommand.Flags().StringVar(&about, "about", "", "Optional description")
	boardCommand.AddCommand(createBoardCommand)

	adminCommand := &cobra.Command{
		Use:   "admin",
		Short: "Manage moderator wallets",
	}
	rootCommand.AddCommand(adminCommand)

	addAdminCommand := &cobra.Command{
		Use:   "add [wallet address]",
		Short: "Grant moderation rights to a wallet",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a wallet address.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			wallet := strings.TrimSpace(args[0])
			if !utils.IsValidWalletAddress(wallet) {
				fmt.Printf("'%s' is not a valid wallet address\n", wallet)
				os.Exit(1)
			}

			dbService := openDB()
			defer dbService.DB.Close()

			if err := dbService.AddAdmin(context.Background(), wallet); err != nil {
				panic(err)
			}
			fmt.Printf("Successfully added admin %s\n", utils.ChecksumAddress(wallet))
		},
	}
	adminCommand.AddCommand(addAdminCommand)

	backupCommand := &cobra.Command{
		Use:   "backup [directory]",
		Short: "Write an online backup of the database",
		Run: func(cmd *cobra.Command, args []string) {
			dir := utils.GetEnv("BASEMENT_BACKUP_DIR", "./backups")
			if len(args) > 0 {
				dir = args[0]
			}

			dbService := openDB()
			defer dbService.DB.Close()

			path, err := dbService.BackupDatabase(context.Background(), dir)
			if err != nil {
				fmt.Printf("Backup failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Backup written to %s\n", path)
		},
	}
	rootCommand.AddCommand(backupCommand)
}
