package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// remote holds the flags shared by commands that talk to a running server.
type remote struct {
	baseURL string
	actor   string
	timeout time.Duration
}

func addRemoteFlags(fs *flag.FlagSet) *remote {
	r := &remote{}
	fs.StringVar(&r.baseURL, "url", "http://127.0.0.1:8080", "server base url")
	fs.StringVar(&r.actor, "actor", "", "actor recorded in audit entries (default: server side)")
	fs.DurationVar(&r.timeout, "timeout", 10*time.Second, "request timeout")
	return r
}

func (r *remote) do(method, path string, body []byte, stdout io.Writer) error {
	u := strings.TrimRight(strings.TrimSpace(r.baseURL), "/") + "/admin/v1" + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.actor != "" {
		req.Header.Set("X-Actor", r.actor)
	}
	cl := &http.Client{Timeout: r.timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(stdout, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func stateCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	r := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return r.do(http.MethodGet, "/state", nil, stdout)
}

func snapshotCmd(args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	r := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return r.do(http.MethodPost, "/snapshot", nil, stdout)
}

// putCmd writes one record on a running server, read from -file or stdin.
// With -delete the record is removed instead.
func putCmd(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	r := addRemoteFlags(fs)
	cat := fs.String("category", "creeps", "memory category")
	name := fs.String("name", "", "entity name")
	file := fs.String("file", "", "record file (default: stdin)")
	del := fs.Bool("delete", false, "delete the record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return usageError("put -name <entity> [-category creeps] [-file record.json | -delete]")
	}
	path := "/memory/" + url.PathEscape(*cat) + "/" + url.PathEscape(*name)
	if *del {
		return r.do(http.MethodDelete, path, nil, stdout)
	}
	var (
		body []byte
		err  error
	)
	if *file != "" {
		body, err = os.ReadFile(*file)
	} else {
		body, err = io.ReadAll(stdin)
	}
	if err != nil {
		return err
	}
	return r.do(http.MethodPut, path, bytes.TrimSpace(body), stdout)
}
