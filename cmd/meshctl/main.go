// meshctl talks to a local idlemesh daemon over its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"idlemesh/pkg/api"
	"idlemesh/pkg/types"
)

// DefaultAPI is used unless IDLEMESH_API is set.
const DefaultAPI = "http://localhost:8080"

func apiBase() string {
	if v := os.Getenv("IDLEMESH_API"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return DefaultAPI
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "submit":
		handleSubmit(args)
	case "get":
		handleGet(args)
	case "cancel":
		handleCancel(args)
	case "peers":
		printJSON(do("GET", "/v1/peers", nil, http.StatusOK))
	case "capacity":
		printJSON(do("GET", "/v1/capacity", nil, http.StatusOK))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

type submitOptions struct {
	req  api.SubmitRequest
	wait bool
}

func parseSubmit(args []string) (submitOptions, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	file := fs.String("f", "", "JavaScript file exporting the task function")
	payload := fs.String("payload", "", "JSON payload, or @file to read it from a file")
	kind := fs.String("kind", "cpu", "processing unit: cpu, gpu or either")
	name := fs.String("name", "", "task name shown in logs")
	inline := fs.Bool("inline", false, "send the source text instead of its path")
	wait := fs.Bool("wait", false, "wait for the task to finish and print its result")
	if err := fs.Parse(args); err != nil {
		return submitOptions{}, err
	}
	if *file == "" {
		return submitOptions{}, errors.New("'submit' requires '-f <filename>'")
	}
	k, err := types.ParseUnitKind(*kind)
	if err != nil {
		return submitOptions{}, err
	}
	path, err := filepath.Abs(*file)
	if err != nil {
		return submitOptions{}, err
	}
	req := api.SubmitRequest{Name: *name, UnitKind: string(k)}
	if *inline {
		src, err := os.ReadFile(path)
		if err != nil {
			return submitOptions{}, err
		}
		req.Source = string(src)
		req.Dir = filepath.Dir(path)
	} else {
		req.Path = path
	}
	if p := *payload; p != "" {
		data := []byte(p)
		if strings.HasPrefix(p, "@") {
			if data, err = os.ReadFile(p[1:]); err != nil {
				return submitOptions{}, err
			}
		}
		if !json.Valid(data) {
			return submitOptions{}, errors.New("payload is not valid JSON")
		}
		req.Payload = data
	}
	return submitOptions{req: req, wait: *wait}, nil
}

func handleSubmit(args []string) {
	opts, err := parseSubmit(args)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	body, err := json.Marshal(opts.req)
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}
	var out api.SubmitResponse
	if err := json.Unmarshal(do("POST", "/v1/tasks", body, http.StatusCreated), &out); err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}
	if !opts.wait {
		fmt.Println(out.ID)
		return
	}
	v := waitFor(out.ID)
	printJSON(v.Result)
	if v.Status != types.StatusComplete {
		log.Fatalf("task %s %s: %s", v.ID, v.Status, v.Error)
	}
}

func waitFor(id string) api.TaskView {
	for {
		var v api.TaskView
		if err := json.Unmarshal(do("GET", "/v1/tasks/"+id+"?wait=30s", nil, http.StatusOK), &v); err != nil {
			log.Fatalf("Failed to decode task: %v", err)
		}
		if v.Status.Terminal() {
			return v
		}
		if len(v.Progress) > 0 {
			fmt.Fprintf(os.Stderr, "%s %s %s\n", time.Now().Format(time.TimeOnly), v.Status, v.Progress)
		}
	}
}

func handleGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	wait := fs.Bool("wait", false, "wait for the task to finish")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: 'get' requires a task id")
		os.Exit(1)
	}
	id := fs.Arg(0)
	if *wait {
		v := waitFor(id)
		out, _ := json.Marshal(v)
		printJSON(out)
		return
	}
	printJSON(do("GET", "/v1/tasks/"+id, nil, http.StatusOK))
}

func handleCancel(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: 'cancel' requires a task id")
		os.Exit(1)
	}
	do("DELETE", "/v1/tasks/"+args[0], nil, http.StatusNoContent)
	fmt.Printf("task %s canceled\n", args[0])
}

// do sends a request and returns the body, exiting on any status but want.
func do(method, endpoint string, body []byte, want int) []byte {
	req, err := http.NewRequest(method, apiBase()+endpoint, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Failed to reach idlemesh at %s: %v", apiBase(), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != want {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			log.Fatalf("Server returned %d: %s", resp.StatusCode, e.Error)
		}
		log.Fatalf("Server returned %d: %s", resp.StatusCode, data)
	}
	return data
}

func printJSON(data []byte) {
	if len(data) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		return
	}
	buf.WriteByte('\n')
	os.Stdout.Write(buf.Bytes())
}

func printUsage() {
	fmt.Println("meshctl - submit and inspect idlemesh tasks")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  meshctl [command]")
	fmt.Println()
	fmt.Println("Available Commands:")
	fmt.Println("  submit -f <file> [-payload json|@file] [-kind cpu|gpu|either] [-name n] [-inline] [-wait]")
	fmt.Println("  get [-wait] <id>       Show a task.")
	fmt.Println("  cancel <id>            Cancel a task.")
	fmt.Println("  peers                  List peers and their reported capacity.")
	fmt.Println("  capacity               Show this node's capacity and queue.")
	fmt.Println()
	fmt.Println("The daemon address is taken from IDLEMESH_API (default " + DefaultAPI + ").")
}
