package protocol

import "github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"

// DNS family, served on svc://dns-resolver.

// DNSResolve asks for the addresses of Name.
type DNSResolve struct {
	Name string `json:"name"`
}

func (DNSResolve) Tag() envelope.Tag { return TagDNSResolve }

// DNSResolved answers DNSResolve.
type DNSResolved struct {
	Name  string   `json:"name"`
	Addrs []string `json:"addrs"`
	TTL   uint32   `json:"ttl"`
}

func (DNSResolved) Tag() envelope.Tag { return TagDNSResolved }
