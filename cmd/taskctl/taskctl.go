// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// taskctl is a small operator CLI over the taskd status API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Inspect and control sagas and idempotent operations",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:9320",
		"taskd server address")

	root.AddCommand(newSagaCmd())
	root.AddCommand(newOperationCmd())
	root.AddCommand(newListCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newSagaCmd() *cobra.Command {
	saga := &cobra.Command{
		Use:   "saga",
		Short: "Saga operations",
	}

	saga.AddCommand(&cobra.Command{
		Use:   "status <saga-id>",
		Short: "Show a saga's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/api/sagas/"+url.PathEscape(args[0]))
		},
	})

	historyLimit := 0
	history := &cobra.Command{
		Use:   "history <saga-id>",
		Short: "Show a saga's audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/sagas/" + url.PathEscape(args[0]) + "/history"
			if historyLimit > 0 {
				path += "?limit=" + strconv.Itoa(historyLimit)
			}
			return getJSON(cmd, path)
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 0, "maximum entries to return")
	saga.AddCommand(history)

	reason := ""
	cancel := &cobra.Command{
		Use:   "cancel <saga-id>",
		Short: "Request cooperative cancellation of a saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"reason": reason})
			return postJSON(cmd, "/api/sagas/"+url.PathEscape(args[0])+"/cancel", body)
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	saga.AddCommand(cancel)

	return saga
}

func newOperationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operation <key-or-saga-id>",
		Short: "Show a background operation's unified status view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/api/operations/"+url.PathEscape(args[0]))
		},
	}
}

func newListCmd() *cobra.Command {
	limit := 50
	list := &cobra.Command{
		Use:   "list <tenant-id>",
		Short: "List a tenant's operations and sagas, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tenants/" + url.PathEscape(args[0]) + "/operations"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			return getJSON(cmd, path)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to return")
	return list
}

func getJSON(cmd *cobra.Command, path string) error {
	resp, err := httpClient().Get(serverAddr + path)
	if err != nil {
		return err
	}
	return render(cmd, resp)
}

func postJSON(cmd *cobra.Command, path string, body []byte) error {
	resp, err := httpClient().Post(serverAddr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return render(cmd, resp)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

func render(cmd *cobra.Command, resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	cmd.Println(string(data))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
