package vnode

import (
	"fmt"
	"strings"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
)

// Grant is one capability the loader will mint for a V-Node.
type Grant struct {
	Resource string            `json:"resource"`
	Rights   capability.Rights `json:"rights"`
	Tags     []string          `json:"tags"`
}

// Well-known resources behind the bare capability tags.
const (
	ResourceSharedMemory = "mem://shared"
	ResourceDMAMemory    = "mem://dma"
	ResourceKernelLog    = "log://kernel"
)

type tagRule struct {
	rights capability.Rights
	// scheme is the required prefix of a keyed resource; empty accepts any
	// scheme://name URI.
	scheme string
	// fixed is the resource a bare tag refers to.
	fixed string
	// self binds the tag to the V-Node's own endpoint.
	self bool
}

var tagRules = map[string]tagRule{
	"CAP_IPC_CONNECT": {rights: capability.Connect | capability.Write, scheme: "svc://"},
	"CAP_IPC_ACCEPT":  {rights: capability.Accept | capability.Read, self: true},
	"CAP_IPC_SHARE":   {rights: capability.Share, scheme: "svc://"},
	"CAP_MEM_ALLOC":   {rights: capability.Write, fixed: ResourceSharedMemory},
	"CAP_DMA_ALLOC":   {rights: capability.Write, fixed: ResourceDMAMemory},
	"CAP_IRQ":         {rights: capability.Read, scheme: "irq://"},
	"CAP_LOG_WRITE":   {rights: capability.Write, fixed: ResourceKernelLog},
	"CAP_STORAGE":     {rights: capability.Read | capability.Write, scheme: "vfs://"},
	"CAP_DELEGATE":    {rights: capability.Administer},
}

// KnownTags lists the capability tags the loader understands.
func KnownTags() []string {
	return sortedKeys(tagRules)
}

// Resolve maps the manifest's capability requests to grants. Requests on the
// same resource are merged. In strict mode unknown tags, duplicate requests
// and an advertised service without CAP_IPC_ACCEPT reject the manifest;
// otherwise they are dropped with a warning.
func Resolve(m *Manifest) ([]Grant, []string, error) {
	strict := m.Strict()

	var (
		grants   []Grant
		warnings []string
		index    = make(map[string]int)
		seen     = make(map[string]struct{})
	)
	complain := func(format string, args ...any) error {
		if strict {
			return rejected(format, args...)
		}
		warnings = append(warnings, fmt.Sprintf(format, args...))
		return nil
	}

	for i, req := range m.Capabilities {
		rule, ok := tagRules[req.Tag]
		if !ok {
			if err := complain("capabilities[%d]: unknown tag %s", i, req.Tag); err != nil {
				return nil, nil, err
			}
			continue
		}
		if _, dup := seen[req.String()]; dup {
			if err := complain("capabilities[%d]: %s requested twice", i, req); err != nil {
				return nil, nil, err
			}
			continue
		}
		seen[req.String()] = struct{}{}

		resource, err := rule.resource(m, req)
		if err != nil {
			return nil, nil, rejected("capabilities[%d]: %v", i, err)
		}

		if at, ok := index[resource]; ok {
			grants[at].Rights = grants[at].Rights.Add(rule.rights)
			grants[at].Tags = append(grants[at].Tags, req.Tag)
			continue
		}
		index[resource] = len(grants)
		grants = append(grants, Grant{Resource: resource, Rights: rule.rights, Tags: []string{req.Tag}})
	}

	if m.Service.Advertise {
		if _, ok := index[m.ServiceName()]; !ok {
			if err := complain("service.advertise requires CAP_IPC_ACCEPT"); err != nil {
				return nil, nil, err
			}
		}
	}
	return grants, warnings, nil
}

func (r tagRule) resource(m *Manifest, req CapabilityRequest) (string, error) {
	switch {
	case r.self:
		if req.Resource != "" && req.Resource != m.ServiceName() {
			return "", fmt.Errorf("%s only applies to %s", req.Tag, m.ServiceName())
		}
		return m.ServiceName(), nil
	case r.fixed != "":
		if req.Resource != "" && req.Resource != r.fixed {
			return "", fmt.Errorf("%s only applies to %s", req.Tag, r.fixed)
		}
		return r.fixed, nil
	}

	if req.Resource == "" {
		return "", fmt.Errorf("%s needs a resource", req.Tag)
	}
	if r.scheme != "" && !strings.HasPrefix(req.Resource, r.scheme) {
		return "", fmt.Errorf("%s resource %q must start with %s", req.Tag, req.Resource, r.scheme)
	}
	scheme, rest, ok := strings.Cut(req.Resource, "://")
	if !ok || scheme == "" || rest == "" {
		return "", fmt.Errorf("%s resource %q is not a scheme://name URI", req.Tag, req.Resource)
	}
	return req.Resource, nil
}
