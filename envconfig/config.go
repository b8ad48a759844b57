// config.go - Haupt-Konfigurationsfunktionen fuer Diffusers
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host zurueck (DIFFUSERS_HOST)
// - AllowedOrigins: Gibt erlaubte Origins zurueck (DIFFUSERS_ORIGINS)
// - SliceSize: Gibt die Attention-Slice-Einstellung zurueck (DIFFUSERS_SLICE_SIZE)
// - TraceMode/TraceDir: Trace-Cache-Einstellungen (DIFFUSERS_TRACE_MODE/_TRACE_DIR)
// - Precision/Layout: Genauigkeits- und Layout-Modus (DIFFUSERS_PRECISION/_LAYOUT)
// - LogLevel: Gibt Log-Level zurueck (DIFFUSERS_DEBUG)
//
// Utility-Funktionen und AsMap/Values liegen in config_utils.go
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Host gibt Scheme und Host zurueck
// Konfigurierbar via DIFFUSERS_HOST
// Default: http://127.0.0.1:7860
func Host() *url.URL {
	defaultPort := "7860"

	s := strings.TrimSpace(Var("DIFFUSERS_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt erlaubte Origins zurueck
// Konfigurierbar via DIFFUSERS_ORIGINS (komma-separiert)
// Enthaelt Standard-Origins fuer localhost
func AllowedOrigins() (origins []string) {
	if s := Var("DIFFUSERS_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	// Standard-Origins fuer localhost
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	// App-Protokolle
	origins = append(origins,
		"app://*",
		"file://*",
		"tauri://*",
		"vscode-webview://*",
		"vscode-file://*",
	)

	return origins
}

var (
	// SliceSize ist die Attention-Slice-Einstellung: leer, "none", "auto",
	// "max", "fit" oder eine Kopfzahl
	// Konfigurierbar via DIFFUSERS_SLICE_SIZE
	SliceSize = String("DIFFUSERS_SLICE_SIZE")

	// TraceMode waehlt den Capture-Modus des Trace-Caches ("strict" oder
	// "permissive")
	// Konfigurierbar via DIFFUSERS_TRACE_MODE
	TraceMode = String("DIFFUSERS_TRACE_MODE")

	// TraceDir ist das Verzeichnis fuer persistierte Traces
	// Leer = keine Persistenz
	// Konfigurierbar via DIFFUSERS_TRACE_DIR
	TraceDir = String("DIFFUSERS_TRACE_DIR")

	// Precision waehlt den Genauigkeitsmodus ("full", "reduced", "bfloat16")
	// Konfigurierbar via DIFFUSERS_PRECISION
	Precision = String("DIFFUSERS_PRECISION")

	// Layout waehlt das Speicherlayout ("default", "channels-last")
	// Konfigurierbar via DIFFUSERS_LAYOUT
	Layout = String("DIFFUSERS_LAYOUT")

	// NoTrace deaktiviert den Trace-Cache vollstaendig
	// Konfigurierbar via DIFFUSERS_NOTRACE
	NoTrace = Bool("DIFFUSERS_NOTRACE")

	// MaxTraces begrenzt die Anzahl gecachter Traces (0 = unbegrenzt)
	// Konfigurierbar via DIFFUSERS_MAX_TRACES
	MaxTraces = Uint("DIFFUSERS_MAX_TRACES", 0)
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via DIFFUSERS_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DIFFUSERS_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}
