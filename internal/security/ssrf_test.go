package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type stubResolver map[string][]netip.Addr

func (r stubResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestValidateURL_RejectsForbiddenLiterals(t *testing.T) {
	cases := []string{
		"http://127.0.0.1/",
		"http://127.0.0.1:8080/admin",
		"https://10.1.2.3/",
		"http://169.254.169.254/latest/meta-data",
		"http://172.16.0.1/",
		"http://172.31.255.255/",
		"http://192.168.1.1/",
		"http://0.0.0.0/",
		"http://[::1]/",
		"http://[2001:4860:4860::8888]/",
		"http://localhost/",
		"http://metadata.google.internal/",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			_, _, err := ValidateURL(context.Background(), stubResolver{}, raw)
			if !errors.Is(err, ErrForbiddenTarget) {
				t.Errorf("expected ErrForbiddenTarget, got %v", err)
			}
		})
	}
}

func TestValidateURL_RejectsSchemes(t *testing.T) {
	for _, raw := range []string{"ftp://8.8.8.8/", "file:///etc/passwd", "gopher://8.8.8.8/"} {
		if _, _, err := ValidateURL(context.Background(), stubResolver{}, raw); !errors.Is(err, ErrForbiddenTarget) {
			t.Errorf("%s: expected rejection, got %v", raw, err)
		}
	}
}

func TestValidateURL_AllowsPublicIPv4(t *testing.T) {
	u, addrs, err := ValidateURL(context.Background(), stubResolver{}, "https://8.8.8.8/dns-query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Host != "8.8.8.8" || len(addrs) != 1 || addrs[0] != netip.MustParseAddr("8.8.8.8") {
		t.Errorf("unexpected result: %v %v", u, addrs)
	}
}

func TestValidateURL_ResolvesHostnames(t *testing.T) {
	resolver := stubResolver{
		"public.example":  {netip.MustParseAddr("93.184.216.34")},
		"sneaky.example":  {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.0.0.5")},
		"carrier.example": {netip.MustParseAddr("100.64.1.1")},
		"v6only.example":  {},
	}

	if _, _, err := ValidateURL(context.Background(), resolver, "https://public.example/x"); err != nil {
		t.Errorf("public host rejected: %v", err)
	}
	for _, host := range []string{"sneaky.example", "carrier.example", "v6only.example", "missing.example"} {
		if _, _, err := ValidateURL(context.Background(), resolver, "https://"+host+"/"); !errors.Is(err, ErrForbiddenTarget) {
			t.Errorf("%s: expected rejection, got %v", host, err)
		}
	}
}

func TestIsForbiddenIPv4_Boundaries(t *testing.T) {
	cases := map[string]bool{
		"172.15.255.255":  false,
		"172.16.0.0":      true,
		"172.32.0.0":      false,
		"169.253.255.255": false,
		"169.254.0.1":     true,
		"11.0.0.1":        false,
		"9.255.255.255":   false,
	}
	for ip, forbidden := range cases {
		if got := IsForbiddenIPv4(netip.MustParseAddr(ip)); got != forbidden {
			t.Errorf("%s: expected forbidden=%v, got %v", ip, forbidden, got)
		}
	}
}
