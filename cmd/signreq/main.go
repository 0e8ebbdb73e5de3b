// Command signreq prints, or sends, an HMAC-signed back-office request. It
// is the operator's way to create a signing link by hand.
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

	"signflow/auth"
)

type options struct {
	baseURL  string
	path     string
	secret   string
	body     string
	send     bool
	template string
	name     string
	email    string
	caseID   string
	envelope string
}

func main() {
	var o options
	flag.StringVar(&o.baseURL, "url", envOr("SIGNFLOW_BASE_URL", "http://localhost:8080"), "service base URL")
	flag.StringVar(&o.path, "path", "/api/v1/initiate", "API path")
	flag.StringVar(&o.secret, "secret", os.Getenv("HMAC_SECRET"), "shared HMAC secret")
	flag.StringVar(&o.body, "data", "", "raw JSON body; overrides the initiate flags")
	flag.BoolVar(&o.send, "send", false, "send the request instead of printing a curl command")
	flag.StringVar(&o.template, "template", "", "template type for initiate (e.g. cea, rra, cea_rra)")
	flag.StringVar(&o.name, "client-name", "", "client name for initiate")
	flag.StringVar(&o.email, "client-email", "", "client email for initiate")
	flag.StringVar(&o.caseID, "case-id", "", "external case id for initiate")
	flag.StringVar(&o.envelope, "envelope-id", "", "optional envelope document id")
	flag.Parse()

	if err := run(o, time.Now(), os.Stdout, http.DefaultClient); err != nil {
		fmt.Fprintln(os.Stderr, "signreq:", err)
		os.Exit(1)
	}
}

func run(o options, now time.Time, out io.Writer, client *http.Client) error {
	if o.secret == "" {
		return fmt.Errorf("an HMAC secret is required (-secret or HMAC_SECRET)")
	}
	body, err := requestBody(o)
	if err != nil {
		return err
	}

	target := strings.TrimRight(o.baseURL, "/") + o.path
	ts, sig := auth.Sign(o.secret, now, body)

	if !o.send {
		fmt.Fprintf(out, "curl -X POST %s \\\n", target)
		fmt.Fprintf(out, "  -H \"Content-Type: application/json\" \\\n")
		fmt.Fprintf(out, "  -H \"%s: %s\" \\\n", auth.HeaderTimestamp, ts)
		fmt.Fprintf(out, "  -H \"%s: %s\" \\\n", auth.HeaderSignature, sig)
		fmt.Fprintf(out, "  -d '%s'\n", strings.ReplaceAll(string(body), "'", `'\''`))
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Fprintf(out, "%s\n%s\n", resp.Status, bytes.TrimSpace(respBody))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with %s", resp.Status)
	}
	return nil
}

// requestBody returns -data verbatim so its exact bytes are signed, or
// builds an initiate payload from the individual flags.
func requestBody(o options) ([]byte, error) {
	if o.body != "" {
		if !json.Valid([]byte(o.body)) {
			return nil, fmt.Errorf("-data is not valid JSON")
		}
		return []byte(o.body), nil
	}
	if o.template == "" || o.name == "" || o.email == "" || o.caseID == "" {
		return nil, fmt.Errorf("-template, -client-name, -client-email and -case-id are required without -data")
	}
	payload := map[string]string{
		"template_type":    o.template,
		"client_name":      o.name,
		"client_email":     o.email,
		"external_case_id": o.caseID,
	}
	if o.envelope != "" {
		payload["envelope_document_id"] = o.envelope
	}
	return json.Marshal(payload)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
