package main

import (
	"testing"
)

func TestParseWatchedAccounts(t *testing.T) {
	raw := "7|work|mail.example.com:993|alice|s3cret|INBOX|sasl;" +
		"8|home|imap.example.net:993|bob|hunter2"

	accounts, err := parseWatchedAccounts(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}

	work := accounts[0]
	if work.UserID != 7 || work.Label != "work" || work.Addr != "mail.example.com:993" {
		t.Errorf("unexpected first account: %+v", work)
	}
	if work.Username != "alice" || work.Password != "s3cret" || work.Mailbox != "INBOX" {
		t.Errorf("unexpected first account credentials: %+v", work)
	}
	if !work.UseSASL {
		t.Error("expected sasl auth mode to set UseSASL")
	}

	home := accounts[1]
	if home.UserID != 8 || home.Username != "bob" {
		t.Errorf("unexpected second account: %+v", home)
	}
	if home.UseSASL {
		t.Error("expected default auth mode to leave UseSASL unset")
	}
	if home.Mailbox != "" {
		t.Errorf("expected empty mailbox before watcher defaulting, got %q", home.Mailbox)
	}
}

func TestParseWatchedAccountsExplicitLogin(t *testing.T) {
	accounts, err := parseWatchedAccounts("7|work|mail.example.com:993|alice|pw|Archive|login")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if accounts[0].UseSASL {
		t.Error("login auth mode must not set UseSASL")
	}
	if accounts[0].Mailbox != "Archive" {
		t.Errorf("unexpected mailbox: %q", accounts[0].Mailbox)
	}
}

func TestParseWatchedAccountsErrors(t *testing.T) {
	if accounts, err := parseWatchedAccounts(""); err != nil || accounts != nil {
		t.Errorf("empty value should parse to nothing, got %v, %v", accounts, err)
	}
	if _, err := parseWatchedAccounts("7|short|entry"); err == nil {
		t.Error("expected an error for a truncated entry")
	}
	if _, err := parseWatchedAccounts("x|work|mail:993|alice|pw"); err == nil {
		t.Error("expected an error for a non-numeric user id")
	}
	if _, err := parseWatchedAccounts("7|work|mail:993|alice|pw|INBOX|ntlm"); err == nil {
		t.Error("expected an error for an unknown auth mode")
	}
}
