package util

import (
	"errors"
	"net"
	"testing"
)

func TestResolveHostIP(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "192.168.5.1/30", want: "192.168.5.2"},
		{addr: "192.168.5.2/30", want: "192.168.5.2"},
		{addr: "192.168.5.0/30", want: "192.168.5.2"},
		{addr: "192.168.5.3/30", want: "192.168.5.2"},
		{addr: "192.168.5.6/30", want: "192.168.5.6"},
		{addr: "10.0.0.7/24", want: "10.0.0.7"},
		{addr: "10.0.0.7/29", want: "10.0.0.7"},
		{addr: "10.0.0.7", want: "10.0.0.7"},
		{addr: " 10.0.0.9 ", want: "10.0.0.9"},
		{addr: "not-an-ip", wantErr: true},
		{addr: "10.0.0.1/33", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := ResolveHostIP(tt.addr)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ResolveHostIP(%q) error = %v, want ErrInvalidAddress", tt.addr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveHostIP(%q) error = %v", tt.addr, err)
			}
			if got != tt.want {
				t.Errorf("ResolveHostIP(%q) = %s, want %s", tt.addr, got, tt.want)
			}
		})
	}
}

func TestCheckHostIP(t *testing.T) {
	management := net.ParseIP("10.10.10.1")

	tests := []struct {
		name    string
		addr    string
		host    string
		wantErr error
	}{
		{name: "customer host in /30", addr: "192.168.5.0/30", host: "192.168.5.2"},
		{name: "plain host in /24", addr: "10.0.0.7/24", host: "10.0.0.7"},
		{name: "bare address", addr: "10.0.0.7", host: "10.0.0.7"},
		{name: "management address", addr: "10.10.10.1", host: "10.10.10.1", wantErr: ErrManagementAddress},
		{name: "gateway of /24", addr: "10.0.0.1/24", host: "10.0.0.1", wantErr: ErrReservedAddress},
		{name: "broadcast of /24", addr: "10.0.0.255/24", host: "10.0.0.255", wantErr: ErrReservedAddress},
		{name: "network of /24", addr: "10.0.0.0/24", host: "10.0.0.0", wantErr: ErrReservedAddress},
		{name: "point to point /31", addr: "10.0.0.0/31", host: "10.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckHostIP(tt.addr, net.ParseIP(tt.host), management)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("CheckHostIP() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CheckHostIP() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHostResolver_Resolve(t *testing.T) {
	r := HostResolver{
		Overrides:  map[int64]string{7: "10.9.9.6"},
		Management: net.ParseIP("10.10.10.2"),
	}

	tests := []struct {
		name    string
		id      int64
		addr    string
		want    string
		wantErr error
	}{
		{name: "shared block", id: 1, addr: "192.168.5.0/30", want: "192.168.5.2"},
		{name: "override wins", id: 7, addr: "10.9.9.0/30", want: "10.9.9.6"},
		{name: "override without address", id: 7, addr: "", want: "10.9.9.6"},
		{name: "missing", id: 2, addr: "  ", wantErr: ErrMissingAddress},
		{name: "management", id: 3, addr: "10.10.10.2", wantErr: ErrManagementAddress},
		{name: "management block", id: 4, addr: "10.10.10.0/30", wantErr: ErrManagementAddress},
		{name: "gateway", id: 5, addr: "10.0.0.1/24", wantErr: ErrReservedAddress},
		{name: "invalid", id: 6, addr: "nope", wantErr: ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.id, tt.addr)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Resolve(%d, %q) error = %v, want %v", tt.id, tt.addr, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%d, %q) error = %v", tt.id, tt.addr, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%d, %q) = %s, want %s", tt.id, tt.addr, got, tt.want)
			}
		})
	}
}
