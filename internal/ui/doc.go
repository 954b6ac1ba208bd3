// Package ui renders subnet-authorityd CLI output with lipgloss.
//
// ServicesTable and PeersTable print one-shot tables for the dump and scan
// commands. ScanModel is a Bubble Tea view that follows a live browser event
// stream; RunScan drives it when stdout is a terminal.
package ui
