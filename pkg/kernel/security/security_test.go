package security

import (
	"testing"
)

var schemes = map[string]Descriptor{
	"api_key":   {Kind: APIKey, In: "header"},
	"basic":     {Kind: Basic},
	"bearer":    {Kind: Bearer},
	"oauth":     {Kind: OAuth2},
	"query_key": {Kind: APIKey, In: "query"},
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		typ, scheme string
		want        Kind
	}{
		{"http", "basic", Basic},
		{"http", "Bearer", Bearer},
		{"basic", "", Basic},
		{"apiKey", "", APIKey},
		{"oauth2", "", OAuth2},
		{"openIdConnect", "", OpenIDConnect},
		{"mutualTLS", "", MutualTLS},
		{"mtls", "", MutualTLS},
		{"alias", "", Alias},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.typ, tt.scheme)
		if err != nil {
			t.Errorf("Normalize(%q, %q): %v", tt.typ, tt.scheme, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q, %q) = %q, want %q", tt.typ, tt.scheme, got, tt.want)
		}
	}
	if _, err := Normalize("http", "digest"); err == nil {
		t.Error("expected error for http digest")
	}
	if _, err := Normalize("kerberos", ""); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestSatisfies_APIKeyLocation(t *testing.T) {
	cred := Descriptor{Kind: APIKey, In: "header"}
	if !cred.Satisfies(schemes["api_key"]) {
		t.Error("header key should satisfy header scheme")
	}
	if cred.Satisfies(schemes["query_key"]) {
		t.Error("header key should not satisfy query scheme")
	}
	if cred.Satisfies(schemes["basic"]) {
		t.Error("api key should not satisfy basic")
	}
}

func TestMatch_PrefersFullySatisfiedAlternative(t *testing.T) {
	reqs := []Requirement{
		{"api_key": nil, "basic": nil},
		{"api_key": nil},
	}
	creds := map[string]Descriptor{"key": {Kind: APIKey, In: "header"}}

	r := Match(reqs, schemes, creds, nil)
	if got := r.Alternatives[0].Relevance; got != 0.5 {
		t.Errorf("alternative 0 relevance = %v, want 0.5", got)
	}
	if got := r.Alternatives[0].Missing; len(got) != 1 || got[0] != "basic" {
		t.Errorf("alternative 0 missing = %v", got)
	}
	if got := r.Alternatives[1].Relevance; got != 1.0 {
		t.Errorf("alternative 1 relevance = %v, want 1.0", got)
	}
	if r.Selected != 1 {
		t.Errorf("selected = %d, want 1", r.Selected)
	}
	if b := r.Active().Binding["api_key"]; b != "key" {
		t.Errorf("binding = %q", b)
	}
}

func TestMatch_TieKeepsFirst(t *testing.T) {
	reqs := []Requirement{{"bearer": nil}, {"basic": nil}}
	creds := map[string]Descriptor{"b": {Kind: Basic}, "t": {Kind: Bearer}}
	r := Match(reqs, schemes, creds, nil)
	if r.Selected != 0 {
		t.Errorf("selected = %d, want 0", r.Selected)
	}
}

func TestMatch_CredentialUsedOnce(t *testing.T) {
	s := map[string]Descriptor{"k1": {Kind: APIKey, In: "header"}, "k2": {Kind: APIKey, In: "header"}}
	reqs := []Requirement{{"k1": nil, "k2": nil}}
	r := Match(reqs, s, map[string]Descriptor{"only": {Kind: APIKey, In: "header"}}, nil)
	if got := r.Alternatives[0].Relevance; got != 0.5 {
		t.Errorf("relevance = %v, want 0.5", got)
	}

	r = Match(reqs, s, map[string]Descriptor{"a": {Kind: APIKey, In: "header"}, "b": {Kind: APIKey, In: "header"}}, nil)
	alt := r.Alternatives[0]
	if !alt.Complete() || alt.Binding["k1"] != "a" || alt.Binding["k2"] != "b" {
		t.Errorf("alternative = %+v", alt)
	}
}

func TestMatch_EmptyAlternativeIsFullyRelevant(t *testing.T) {
	r := Match([]Requirement{{"oauth": nil}, {}}, schemes, nil, nil)
	if r.Selected != 1 || r.Active().Relevance != 1 {
		t.Errorf("selected = %d relevance = %v", r.Selected, r.Alternatives[r.Selected].Relevance)
	}
}

func TestMatch_NoRequirements(t *testing.T) {
	r := Match(nil, schemes, nil, nil)
	if r.Selected != -1 || r.Active() != nil {
		t.Errorf("selected = %d", r.Selected)
	}
}

func TestMatch_PoolRestrictsAndQualifies(t *testing.T) {
	creds := map[string]Descriptor{
		"admin": {Kind: Bearer},
		"user":  {Kind: Bearer},
	}
	r := Match([]Requirement{{"bearer": nil}}, schemes, creds, []string{"user/refresh"})
	if got := r.Active().Binding["bearer"]; got != "user/refresh" {
		t.Errorf("binding = %q, want user/refresh", got)
	}
}

func TestMatch_FollowsAlias(t *testing.T) {
	creds := map[string]Descriptor{
		"prod": {Kind: Alias, Target: "real"},
		"real": {Kind: Basic},
		"loop": {Kind: Alias, Target: "loop"},
	}
	r := Match([]Requirement{{"basic": nil}}, schemes, creds, []string{"loop", "prod"})
	if got := r.Active().Binding["basic"]; got != "prod" {
		t.Errorf("binding = %q, want prod", got)
	}
	if _, err := Resolve("loop", creds); err == nil {
		t.Error("expected alias loop error")
	}
}

func TestSelect_RecomputesBinding(t *testing.T) {
	reqs := []Requirement{{"api_key": nil}, {"basic": nil}}
	creds := map[string]Descriptor{"key": {Kind: APIKey, In: "header"}, "pw": {Kind: Basic}}
	r := Match(reqs, schemes, creds, nil)
	if r.Selected != 0 {
		t.Fatalf("selected = %d", r.Selected)
	}
	alt, err := r.Select(1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Selected != 1 || alt.Binding["basic"] != "pw" {
		t.Errorf("after select: %d %+v", r.Selected, alt)
	}
	if _, err := r.Select(5); err == nil {
		t.Error("expected out of range error")
	}
}

func TestBaseNameAndMethod(t *testing.T) {
	if BaseName("cred/m") != "cred" || Method("cred/m") != "m" || Method("cred") != "" {
		t.Error("unexpected split")
	}
}
