package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/skip2/go-qrcode"
)

// PairConfig holds configuration for the pair command.
type PairConfig struct {
	Addr string
	QR   bool
}

func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &PairConfig{}
	fs.StringVar(&cfg.Addr, "addr", "", "Host address for display (default: Tailscale or LAN IP:7171)")
	fs.BoolVar(&cfg.QR, "qr", false, "Display pairing information as QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: coderelay pair [options]\n\nGenerate a short pairing code for a device.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nThe pairing code expires after a short window and can only be used once.\n")
		fmt.Fprintf(stderr, "The device app enters this code at the /pair endpoint to get an access token.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// Display address is for the human and the QR code; the generate
	// request itself always goes to localhost, where the running host
	// restricts /pair/generate to loopback callers.
	displayAddr := cfg.Addr
	if displayAddr == "" {
		displayAddr = displayAddress("127.0.0.1:7171")
	}

	code, expiry, err := requestPairingCode("127.0.0.1:7171")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "\nThe host must be running to generate a pairing code.\n")
		fmt.Fprintf(stderr, "Start it with: coderelay start --require-auth\n")
		return 1
	}

	if cfg.QR {
		DisplayQRCode(stdout, code, expiry, displayAddr)
	} else {
		DisplayPairingCode(stdout, code, expiry, displayAddr)
	}
	return 0
}

// requestPairingCode asks the running host daemon for a fresh code.
func requestPairingCode(addr string) (code string, expiry time.Time, err error) {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Post(fmt.Sprintf("http://%s/pair/generate", addr), "application/json", nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("could not connect to host at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", time.Time{}, fmt.Errorf("pairing code generation is restricted to localhost")
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("host returned status %d", resp.StatusCode)
	}

	var result struct {
		Code   string    `json:"code"`
		Expiry time.Time `json:"expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, err
	}

	return result.Code, result.Expiry, nil
}

// DisplayPairingCode shows the pairing code to the user.
func DisplayPairingCode(w io.Writer, code string, expiry time.Time, addr string) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         PAIRING CODE")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "           %s\n", FormatCodeWithSpaces(code))
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Expires: %s\n", expiry.Format("15:04:05"))
	fmt.Fprintf(w, "  Host:    %s\n", addr)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  Enter this code in the device app to pair.")
	fmt.Fprintln(w, "  The code can only be used once.")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// DisplayQRCode shows pairing information as a QR code with a
// plain-text fallback. The payload uses a URL scheme the device app
// can parse: coderelay://pair?host=<addr>&code=<code>
func DisplayQRCode(w io.Writer, code string, expiry time.Time, addr string) {
	payload := fmt.Sprintf("coderelay://pair?host=%s&code=%s",
		url.QueryEscape(addr), code)

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Falling back to text display.\n\n")
		DisplayPairingCode(w, code, expiry, addr)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO PAIR")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")

	// Half-block rendering keeps the code compact in a terminal.
	fmt.Fprint(w, qr.ToSmallString(false))

	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintln(w, "  Plain-text fallback:")
	fmt.Fprintf(w, "  Code:    %s\n", FormatCodeWithSpaces(code))
	fmt.Fprintf(w, "  Host:    %s\n", addr)
	fmt.Fprintf(w, "  Expires: %s\n", expiry.Format("15:04:05"))
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// FormatCodeWithSpaces adds spaces between digits for readability.
// "123456" -> "1 2 3 4 5 6"
func FormatCodeWithSpaces(code string) string {
	result := ""
	for i, c := range code {
		if i > 0 {
			result += " "
		}
		result += string(c)
	}
	return result
}
