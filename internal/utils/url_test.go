package utils

import "testing"

func TestNormalizeURL(t *testing.T) {
	normalized, domain, err := NormalizeURL("https://Example.com/path?utm_source=test&x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if domain != "example.com" {
		t.Fatalf("unexpected domain: %s", domain)
	}
	if normalized != "https://example.com/path?x=1" {
		t.Fatalf("unexpected normalized url: %s", normalized)
	}
}

func TestHostAllowed(t *testing.T) {
	hosts := []string{"cdn.discordapp.com", "discordapp.net"}
	if !HostAllowed("https://CDN.discordapp.com/emojis/1.png", hosts) {
		t.Fatalf("expected cdn host to be allowed")
	}
	if !HostAllowed("https://media.discordapp.net/stickers/2.png", hosts) {
		t.Fatalf("expected subdomain to be allowed")
	}
	if HostAllowed("https://evil.example/cdn.discordapp.com.png", hosts) {
		t.Fatalf("expected foreign host to be rejected")
	}
	if !HostAllowed("http://127.0.0.1:9000/x.png", nil) {
		t.Fatalf("empty allowlist should allow everything")
	}
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := ParseWebhookURL("https://discord.com/api/webhooks/123/abc-def")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "123" || token != "abc-def" {
		t.Fatalf("unexpected parts: %s %s", id, token)
	}
	if _, _, err := ParseWebhookURL("https://example.com/api/webhooks/1/2"); err == nil {
		t.Fatalf("expected foreign host to fail")
	}
	if _, _, err := ParseWebhookURL("https://discord.com/api/channels/1"); err == nil {
		t.Fatalf("expected missing webhook path to fail")
	}
}
