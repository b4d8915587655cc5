package security

import "testing"

func TestValidateOrderLink(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		wantErr bool
	}{
		{"https link", "https://203.0.113.10/watch/abc", false},
		{"http link", "http://203.0.113.10/watch/abc", false},
		{"ftp scheme", "ftp://videos.example.com/file", true},
		{"no scheme", "videos.example.com/watch", true},
		{"no host", "https://", true},
		{"localhost", "https://localhost/admin", true},
		{"localhost with port", "https://localhost:8080/admin", true},
		{"cloud metadata hostname", "http://metadata.google.internal/computeMetadata", true},
		{"loopback literal", "http://127.0.0.1/secrets", true},
		{"private literal", "http://10.0.0.5/internal", true},
		{"link-local literal", "http://169.254.169.254/latest/meta-data", true},
		{"unspecified literal", "http://0.0.0.0/", true},
		{"ipv6 loopback", "http://[::1]/", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateOrderLink(tc.link)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateOrderLink(%q) error = %v, wantErr %v", tc.link, err, tc.wantErr)
			}
		})
	}
}
