package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"quarry-go/internal/app"
	"quarry-go/internal/config"
	"quarry-go/internal/quarry"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a QuarryApp. The caller must defer
// app.Close(). operation identifies the CLI command being run.
func newApp(operation string) (*app.QuarryApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewQuarryApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// promptPassphrase reads a passphrase from the terminal without echo.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Versioned file metadata workspaces",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Store:      %s\n", cfg.Store.Type)
		fmt.Printf("Blob Store: %s (encrypt=%v)\n", cfg.Blob.Type, cfg.Blob.Encrypt)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("KeysSetup")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := promptPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupKeys(pass); err != nil {
			return fmt.Errorf("setting up keys: %w", err)
		}
		fmt.Println("Encryption keys generated.")
		return nil
	},
}

// workspace command
var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		description, _ := cmd.Flags().GetString("description")
		temporary, _ := cmd.Flags().GetBool("temporary")
		familySpecs, _ := cmd.Flags().GetStringArray("family")
		wait, _ := cmd.Flags().GetDuration("wait")

		families, err := parseFamilySpecs(familySpecs)
		if err != nil {
			return err
		}

		a, err := newApp("WorkspaceCreate")
		if err != nil {
			return err
		}
		defer a.Close()

		ws, err := a.Service().CreateWorkspace(args[0], owner, description, temporary, families)
		if err != nil {
			return fmt.Errorf("creating workspace: %w", err)
		}

		if wait > 0 {
			if ws, err = a.WaitForWorkspace(ws.ID, wait); err != nil {
				return err
			}
		}

		fmt.Printf("Workspace #%d (%s) is %s\n", ws.ID, ws.Name, ws.State)
		return nil
	},
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		owner, _ := cmd.Flags().GetString("owner")
		all, _ := cmd.Flags().GetBool("all")

		a, err := newApp("WorkspaceList")
		if err != nil {
			return err
		}
		defer a.Close()

		workspaces, err := a.Service().ListWorkspaces(quarry.WorkspaceFilter{
			Name: name, Owner: owner, IncludeDeleted: all,
		})
		if err != nil {
			return err
		}

		if len(workspaces) == 0 {
			fmt.Println("No workspaces found.")
			return nil
		}

		for _, ws := range workspaces {
			temp := ""
			if ws.Temporary {
				temp = "  [temporary]"
			}
			fmt.Printf("#%d  %-20s  %-12s  %-12s  %s%s\n",
				ws.ID, ws.Name, ws.Owner, ws.State,
				strings.Join(ws.FamilyNames(), ","), temp)
		}
		return nil
	},
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show workspace details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid workspace id: %s", args[0])
		}

		a, err := newApp("WorkspaceShow")
		if err != nil {
			return err
		}
		defer a.Close()

		ws, err := a.Service().GetWorkspace(id)
		if err != nil {
			return err
		}

		fmt.Printf("Workspace #%d: %s\n", ws.ID, ws.Name)
		fmt.Printf("Owner:     %s\n", ws.Owner)
		fmt.Printf("State:     %s\n", ws.State)
		fmt.Printf("Temporary: %v\n", ws.Temporary)
		fmt.Printf("Data URL:  %s\n", ws.DataURL)
		fmt.Printf("Namespace: %s\n", ws.Namespace)
		fmt.Printf("Watermark: %d\n", ws.Watermark())
		fmt.Println("Families:")
		for _, fam := range ws.Families {
			version := "draft"
			if fam.Version != nil {
				version = strconv.FormatInt(*fam.Version, 10)
			}
			fmt.Printf("  %-20s  v%s\n", fam.Name, version)
		}
		return nil
	},
}

func workspaceTransitionCmd(use, short, operation string,
	run func(*app.QuarryApp, int64) (*quarry.Workspace, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid workspace id: %s", args[0])
			}
			wait, _ := cmd.Flags().GetDuration("wait")

			a, err := newApp(operation)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := run(a, id)
			if err != nil {
				return err
			}

			if wait > 0 {
				if ws, err = a.WaitForWorkspace(ws.ID, wait); err != nil {
					return err
				}
			}

			fmt.Printf("Workspace #%d is %s\n", ws.ID, ws.State)
			return nil
		},
	}
	cmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the transition to finish (0 to return immediately)")
	return cmd
}

var workspaceScanCmd = workspaceTransitionCmd("scan", "Rebuild workspace views", "WorkspaceScan",
	func(a *app.QuarryApp, id int64) (*quarry.Workspace, error) {
		return a.Service().ScanWorkspace(id)
	})

var workspaceCommitCmd = workspaceTransitionCmd("commit", "Commit workspace changes", "WorkspaceCommit",
	func(a *app.QuarryApp, id int64) (*quarry.Workspace, error) {
		return a.Service().CommitWorkspace(id)
	})

var workspaceDeleteCmd = workspaceTransitionCmd("delete", "Delete a workspace", "WorkspaceDelete",
	func(a *app.QuarryApp, id int64) (*quarry.Workspace, error) {
		return a.Service().DeleteWorkspace(id)
	})

var workspaceUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Re-resolve workspace families and watermark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid workspace id: %s", args[0])
		}
		familySpecs, _ := cmd.Flags().GetStringArray("family")
		wait, _ := cmd.Flags().GetDuration("wait")

		families, err := parseFamilySpecs(familySpecs)
		if err != nil {
			return err
		}

		a, err := newApp("WorkspaceUpdate")
		if err != nil {
			return err
		}
		defer a.Close()

		ws, err := a.Service().UpdateWorkspace(id, families)
		if err != nil {
			return err
		}

		if wait > 0 {
			if ws, err = a.WaitForWorkspace(ws.ID, wait); err != nil {
				return err
			}
		}

		fmt.Printf("Workspace #%d is %s\n", ws.ID, ws.State)
		return nil
	},
}

// file command
var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage files and their metadata",
}

var fileUploadCmd = &cobra.Command{
	Use:   "upload WORKSPACE_ID PATH",
	Short: "Upload a file into a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid workspace id: %s", args[0])
		}
		name, _ := cmd.Flags().GetString("name")
		temporary, _ := cmd.Flags().GetBool("temporary")

		if name == "" {
			name = args[1]
		}

		a, err := newApp("FileUpload")
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.UploadFile(id, args[1], name, temporary)
		if err != nil {
			return fmt.Errorf("uploading file: %w", err)
		}
		return printJSON(doc)
	},
}

var fileMetaCmd = &cobra.Command{
	Use:   "meta FILE_ID",
	Short: "Show a file's metadata across families",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid file id: %s", args[0])
		}
		workspaceID, _ := cmd.Flags().GetInt64("workspace")

		a, err := newApp("FileMeta")
		if err != nil {
			return err
		}
		defer a.Close()

		var meta map[string]quarry.Document
		if workspaceID > 0 {
			meta, err = a.Service().ResolveMetadata(workspaceID, fileID)
		} else {
			meta, err = a.Service().ResolveGlobalMetadata(fileID)
		}
		if err != nil {
			return err
		}
		return printJSON(meta)
	},
}

var fileSetMetaCmd = &cobra.Command{
	Use:   "set-meta WORKSPACE_ID FILE_ID FAMILY KEY=VALUE...",
	Short: "Update a file's metadata in one family",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid workspace id: %s", args[0])
		}
		fileID, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid file id: %s", args[1])
		}

		partial := quarry.Document{}
		for _, pair := range args[3:] {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid KEY=VALUE pair: %s", pair)
			}
			partial[key] = value
		}

		a, err := newApp("FileSetMeta")
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.Service().UpdateMetadata(workspaceID, fileID, args[2], partial)
		if err != nil {
			return fmt.Errorf("updating metadata: %w", err)
		}
		return printJSON(doc)
	},
}

var fileDeleteCmd = &cobra.Command{
	Use:   "delete WORKSPACE_ID FILE_ID",
	Short: "Mark a file deleted in a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid workspace id: %s", args[0])
		}
		fileID, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid file id: %s", args[1])
		}

		a, err := newApp("FileDelete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().DeleteFile(workspaceID, fileID); err != nil {
			return fmt.Errorf("deleting file: %w", err)
		}
		fmt.Printf("File %s marked deleted in workspace #%d\n", fileID, workspaceID)
		return nil
	},
}

var fileDownloadCmd = &cobra.Command{
	Use:   "download FILE_ID",
	Short: "Download a file's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid file id: %s", args[0])
		}
		workspaceID, _ := cmd.Flags().GetInt64("workspace")
		output, _ := cmd.Flags().GetString("output")
		unlock, _ := cmd.Flags().GetBool("unlock")

		a, err := newApp("FileDownload")
		if err != nil {
			return err
		}
		defer a.Close()

		if unlock {
			pass, err := promptPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			if err := a.UnlockBlobs(pass); err != nil {
				return err
			}
		}

		var w *os.File
		if output == "" || output == "-" {
			w = os.Stdout
		} else {
			w, err = os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer w.Close()
		}

		var wsID *int64
		if workspaceID > 0 {
			wsID = &workspaceID
		}
		if err := a.DownloadFile(wsID, fileID, w); err != nil {
			return fmt.Errorf("downloading file: %w", err)
		}
		return nil
	},
}

var fileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetInt64("workspace")
		filterSpecs, _ := cmd.Flags().GetStringArray("filter")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filters := make(map[string]string)
		for _, pair := range filterSpecs {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid KEY=VALUE filter: %s", pair)
			}
			filters[key] = value
		}

		a, err := newApp("FileList")
		if err != nil {
			return err
		}
		defer a.Close()

		var wsID *int64
		if workspaceID > 0 {
			wsID = &workspaceID
		}
		page, err := a.Service().ResolveFiles(wsID, filters, quarry.Page{Limit: limit, Offset: offset})
		if err != nil {
			return err
		}

		fmt.Printf("%d file(s) total, showing %d from offset %d\n",
			page.Total, len(page.Items), page.Offset)
		for _, doc := range page.Items {
			fmt.Printf("%s  %-10s  %v\n", doc[quarry.KeyID], doc[quarry.KeyState], doc[quarry.KeyPath])
		}
		return nil
	},
}

// parseFamilySpecs parses family flags of the form "name" (follow latest
// committed version) or "name=N" (pin to version N).
func parseFamilySpecs(specs []string) (map[string]*int64, error) {
	families := make(map[string]*int64, len(specs))
	for _, spec := range specs {
		name, versionStr, ok := strings.Cut(spec, "=")
		if !ok {
			families[name] = nil
			continue
		}
		version, err := strconv.ParseInt(versionStr, 10, 64)
		if err != nil || version < 0 {
			return nil, fmt.Errorf("invalid family version in %q", spec)
		}
		families[name] = &version
	}
	return families, nil
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysSetupCmd)

	// workspace subcommands
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCreateCmd.Flags().String("owner", "", "Workspace owner")
	workspaceCreateCmd.Flags().String("description", "", "Workspace description")
	workspaceCreateCmd.Flags().Bool("temporary", false, "Mark the workspace temporary")
	workspaceCreateCmd.Flags().StringArray("family", nil, "Family to include: NAME or NAME=VERSION (repeatable)")
	workspaceCreateCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the workspace to become ready (0 to return immediately)")
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceListCmd.Flags().String("name", "", "Filter by workspace name")
	workspaceListCmd.Flags().String("owner", "", "Filter by owner")
	workspaceListCmd.Flags().Bool("all", false, "Include deleted workspaces")
	workspaceCmd.AddCommand(workspaceShowCmd)
	workspaceCmd.AddCommand(workspaceUpdateCmd)
	workspaceUpdateCmd.Flags().StringArray("family", nil, "Family to add or re-pin: NAME or NAME=VERSION (repeatable)")
	workspaceUpdateCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the update to finish (0 to return immediately)")
	workspaceCmd.AddCommand(workspaceScanCmd)
	workspaceCmd.AddCommand(workspaceCommitCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)

	// file subcommands
	fileCmd.AddCommand(fileUploadCmd)
	fileUploadCmd.Flags().String("name", "", "Target path inside the workspace (defaults to PATH)")
	fileUploadCmd.Flags().Bool("temporary", false, "Mark the file temporary")
	fileCmd.AddCommand(fileMetaCmd)
	fileMetaCmd.Flags().Int64("workspace", 0, "Resolve within this workspace instead of committed state")
	fileCmd.AddCommand(fileSetMetaCmd)
	fileCmd.AddCommand(fileDeleteCmd)
	fileCmd.AddCommand(fileDownloadCmd)
	fileDownloadCmd.Flags().Int64("workspace", 0, "Download the workspace copy instead of committed content")
	fileDownloadCmd.Flags().String("output", "", "Output file (defaults to stdout)")
	fileDownloadCmd.Flags().Bool("unlock", false, "Prompt for the passphrase to unlock encrypted blobs")
	fileCmd.AddCommand(fileListCmd)
	fileListCmd.Flags().Int64("workspace", 0, "List files as resolved by this workspace")
	fileListCmd.Flags().StringArray("filter", nil, "Metadata filter: KEY=VALUE (repeatable)")
	fileListCmd.Flags().Int("limit", 100, "Maximum number of files to show")
	fileListCmd.Flags().Int("offset", 0, "Number of files to skip")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(fileCmd)
}
