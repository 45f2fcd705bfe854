package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	showHelpMessage = "Specify -h to show available options"
	listCmdMessage  = "Specify -l to list available commands"
)

// command describes one status API request.
type command struct {
	name   string
	usage  string
	method string
	nargs  int
	path   func(args []string) string
}

var commands = []command{
	{"status", "status", http.MethodGet, 0, func([]string) string {
		return "/status"
	}},
	{"list", "list [state]", http.MethodGet, -1, func(args []string) string {
		if len(args) == 0 {
			return "/jnodes"
		}
		return "/jnodes?state=" + url.QueryEscape(args[0])
	}},
	{"get", "get <txid:index>", http.MethodGet, 1, func(args []string) string {
		return "/jnodes/" + url.PathEscape(args[0])
	}},
	{"rank", "rank <height>", http.MethodGet, 1, func(args []string) string {
		return "/jnodes/rank/" + url.PathEscape(args[0])
	}},
	{"payments", "payments <height>", http.MethodGet, 1, func(args []string) string {
		return "/payments/" + url.PathEscape(args[0])
	}},
	{"sentinelping", "sentinelping", http.MethodPost, 0, func([]string) string {
		return "/sentinelping"
	}},
	{"watch", "watch", "", 0, func([]string) string {
		return "/ws"
	}},
}

func findCommand(name string) (*command, bool) {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i], true
		}
	}
	return nil, false
}

// listCommands lists all of the usable commands along with their one-line
// usage.
func listCommands() {
	fmt.Println("Status API Commands:")
	for _, c := range commands {
		fmt.Println(c.usage)
	}
}

// usage displays the general usage when the help flag is not displayed and
// and an invalid command was specified.
func usage(errorMessage string) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	fmt.Fprintln(os.Stderr, errorMessage)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintf(os.Stderr, "  %s [OPTIONS] <command> <args...>\n\n",
		appName)
	fmt.Fprintln(os.Stderr, showHelpMessage)
	fmt.Fprintln(os.Stderr, listCmdMessage)
}

// checkArgs reports whether args fit the command.
func (c *command) checkArgs(args []string) bool {
	if c.nargs < 0 {
		return len(args) <= 1
	}
	return len(args) == c.nargs
}

// sendRequest performs the request and returns the reply body.  Replies
// other than 200 OK are returned as errors carrying the server message.
func sendRequest(client *http.Client, server string, c *command, args []string) ([]byte, error) {
	req, err := http.NewRequest(c.method, "http://"+server+c.path(args), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var reply struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &reply) == nil && reply.Error != "" {
			return nil, fmt.Errorf("%d %s", resp.StatusCode, reply.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return body, nil
}

// watch prints registry notifications until the connection closes.
func watch(server string, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server+"/ws", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Fprintln(out, strings.TrimSpace(string(msg)))
	}
}

func printResult(out io.Writer, result []byte) error {
	var dst bytes.Buffer
	if err := json.Indent(&dst, result, "", "  "); err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, strings.TrimSpace(dst.String()))
	return nil
}

func main() {
	cfg, args, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}

	if len(args) < 1 {
		usage("No command specified")
		os.Exit(1)
	}

	c, ok := findCommand(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "Unrecognized command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr, listCmdMessage)
		os.Exit(1)
	}
	params := args[1:]
	if !c.checkArgs(params) {
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
		os.Exit(1)
	}

	if c.name == "watch" {
		if err := watch(cfg.Server, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	client := &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	result, err := sendRequest(client, cfg.Server, c, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := printResult(os.Stdout, result); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
