package config

import "testing"

func TestFetchPolicyNormalize(t *testing.T) {
	cfg := FetchPolicyConfig{
		Allow:    []string{"Example.com", "https://news.example.com/path"},
		Disallow: []string{"www.Bad.com", "bad.com", " "},
	}

	norm := cfg.Normalize()
	if len(norm.Allow) != 2 || norm.Allow[0] != "example.com" || norm.Allow[1] != "news.example.com" {
		t.Fatalf("unexpected allow list: %#v", norm.Allow)
	}
	if len(norm.Disallow) != 1 || norm.Disallow[0] != "bad.com" {
		t.Fatalf("unexpected disallow list: %#v", norm.Disallow)
	}
}

func TestFetchPolicyValidate(t *testing.T) {
	valid := FetchPolicyConfig{Allow: []string{"example.com"}, Disallow: []string{"blocked.com"}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	conflict := FetchPolicyConfig{Allow: []string{"example.com"}, Disallow: []string{"www.example.com"}}
	if err := conflict.Validate(); err == nil {
		t.Fatalf("expected conflict validation error")
	}
}

func TestFetchPolicyPermits(t *testing.T) {
	open := FetchPolicyConfig{Disallow: []string{"paywalled.com"}}.Normalize()
	if !open.Permits("en.wikipedia.org") {
		t.Fatalf("empty allow list should permit unlisted hosts")
	}
	if open.Permits("www.paywalled.com") || open.Permits("news.paywalled.com") {
		t.Fatalf("disallowed domain and its subdomains must be rejected")
	}

	strict := FetchPolicyConfig{Allow: []string{"arxiv.org"}}.Normalize()
	if !strict.Permits("export.arxiv.org") {
		t.Fatalf("subdomain of an allowed domain should be permitted")
	}
	if strict.Permits("notarxiv.org") || strict.Permits("") {
		t.Fatalf("unexpected permit outside allow list")
	}
}
