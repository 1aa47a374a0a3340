// Command editor wires the adapter to the reference analysis service over
// in-process stdio pipes and drives it from a minimal terminal "host". It
// demonstrates the full activation flow: launch, initialize handshake,
// readiness gate, notification relay, and the compile/format commands.
//
// Usage:
//
//	go run ./example/editor <project-dir> [active-file.sqlx]
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dataformco/dataform-lsp-go"
	"github.com/dataformco/dataform-lsp-go/servers/dataformd"
)

// terminalHost is a bare-bones Host backed by stdin/stdout.
type terminalHost struct {
	projectDir string
	activeFile string
}

func (h *terminalHost) ActiveDocument() (dataform.Document, bool) {
	if h.activeFile == "" {
		return dataform.Document{}, false
	}
	return dataform.Document{
		URI:        "file://" + filepath.ToSlash(h.activeFile),
		Path:       h.activeFile,
		LanguageID: dataform.LanguageSQLX,
	}, true
}

func (h *terminalHost) WorkspaceFolderOf(dataform.Document) (dataform.WorkspaceFolder, bool) {
	return dataform.WorkspaceFolder{
		Name:   filepath.Base(h.projectDir),
		URI:    "file://" + filepath.ToSlash(h.projectDir),
		Path:   h.projectDir,
		Scheme: "file",
	}, true
}

func (h *terminalHost) ShowErrorMessage(_ context.Context, message string) {
	fmt.Printf("[error] %s\n", message)
}

func (h *terminalHost) ShowInfoMessage(_ context.Context, message string) {
	fmt.Printf("[info] %s\n", message)
}

func (h *terminalHost) ShowPrompt(_ context.Context, message string, choices ...string) (string, error) {
	fmt.Printf("%s %v: ", message, choices)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (h *terminalHost) OpenExternal(_ context.Context, url string) error {
	fmt.Printf("open %s in your browser\n", url)
	return nil
}

func (h *terminalHost) ExtensionInstalled(string) bool { return false }

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: editor <project-dir> [active-file.sqlx]")
		os.Exit(1)
	}

	projectDir, err := filepath.Abs(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	activeFile := ""
	if len(os.Args) > 2 {
		activeFile, err = filepath.Abs(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The analysis service runs in-process, joined to the client by two pipes
	// exactly as a launched subprocess would be.
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := dataform.NewStdIO(serverReader, serverWriter)
	clientTransport := dataform.NewStdIO(clientReader, clientWriter)

	svc := dataformd.New()
	srv := dataform.NewServer(
		dataform.Info{Name: "dataformd", Version: "0.1.0"},
		serverTransport,
		dataform.WithCompiler(svc),
		dataform.WithFormatter(svc),
	)
	go srv.Serve()
	defer func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}()

	client := dataform.NewClient(
		dataform.Info{Name: "example-editor", Version: "0.1.0"},
		clientTransport,
		dataform.WithRootPath(projectDir),
	)

	connectErrs := make(chan error, 1)
	go func() {
		connectErrs <- client.Connect(ctx)
	}()

	if err := client.WaitReady(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	host := &terminalHost{projectDir: projectDir, activeFile: activeFile}
	settings := dataform.OpenSettings(filepath.Join(projectDir, ".dataform-settings.json"))
	adapter := dataform.NewAdapter(client, host, settings)
	adapter.BindNotifications(ctx)

	if err := adapter.CheckAdvisory(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	fmt.Printf("Connected to %s\n", client.ServerInfo().Name)
	fmt.Println("Commands: compile, format, exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		switch strings.TrimSpace(scanner.Text()) {
		case "compile":
			if err := adapter.RunCompile(ctx); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		case "format":
			res, err := adapter.RunFormat(ctx)
			if err != nil {
				fmt.Printf("[error] %v\n", err)
				continue
			}
			fmt.Printf("raw format response: %s\n", string(res))
		case "exit":
			cancel()
			if err := <-connectErrs; err != nil && err != context.Canceled {
				fmt.Fprintln(os.Stderr, err)
			}
			return
		case "":
		default:
			fmt.Println("Commands: compile, format, exit")
		}
	}
}
