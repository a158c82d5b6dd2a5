// Command rpcgate-cli sends a single JSON-RPC request to a running
// rpcgated and prints the result.
//
// Usage: rpcgate-cli [flags] <method> [params...]
//
// Parameters that parse as JSON are passed through as-is; anything else
// is sent as a string.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	ID     json.RawMessage `json:"id"`
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8332/", "rpcgated URL")
	user := flag.String("rpcuser", "rpcgate", "RPC user name")
	password := flag.String("rpcpassword", "", "RPC password")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: rpcgate-cli [flags] <method> [params...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	body, err := buildRequest(args[0], args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "rpcgate-cli:", err)
		os.Exit(1)
	}

	reply, err := send(*addr, *user, *password, body, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rpcgate-cli:", err)
		os.Exit(1)
	}

	if len(reply.Error) > 0 && !bytes.Equal(reply.Error, []byte("null")) {
		fmt.Fprintln(os.Stderr, "error:", string(reply.Error))
		os.Exit(1)
	}
	fmt.Println(formatResult(reply.Result))
}

// buildRequest assembles the JSON-RPC envelope. Each positional argument
// is passed through verbatim when it is valid JSON, otherwise quoted as a
// string, so both `getblock 12` and `help stop` do the expected thing.
func buildRequest(method string, args []string) ([]byte, error) {
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		if json.Valid([]byte(arg)) {
			params = append(params, json.RawMessage(arg))
		} else {
			quoted, err := json.Marshal(arg)
			if err != nil {
				return nil, err
			}
			params = append(params, quoted)
		}
	}
	return json.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
		"id":     1,
	})
}

func send(addr, user, password string, body []byte, timeout time.Duration) (*rpcReply, error) {
	req, err := http.NewRequest(http.MethodPost, addr, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(user, password)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("incorrect rpcuser or rpcpassword (authorization failed)")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var reply rpcReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("server returned HTTP %d with unparseable body", resp.StatusCode)
	}
	return &reply, nil
}

// formatResult prints strings bare and everything else as indented JSON,
// mirroring what operators expect from an RPC console.
func formatResult(result json.RawMessage) string {
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		return strings.TrimSpace(string(result))
	}
	return buf.String()
}
