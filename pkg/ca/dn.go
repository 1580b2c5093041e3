package ca

import (
	"crypto/x509/pkix"
	"errors"
	"strings"
)

// ParseDN parses a flexible DN string into pkix.Name, used for the subject
// of self-provisioned CA material.
// Supported formats:
//   - plain string without '=' -> treated as CommonName
//   - slash-style:  "/C=US/ST=.../O=Org/CN=Name"
//   - comma/semicolon style: "CN=Name,O=Org,C=US"
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	}
	if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}
	parts := splitDN(s)
	name := pkix.Name{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.ToUpper(strings.TrimSpace(kv[0]))
		v := strings.TrimSpace(kv[1])
		switch k {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		default:
			// ignore unknown attributes
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

func splitDN(s string) []string {
	if strings.HasPrefix(s, "/") {
		s = strings.TrimPrefix(s, "/")
		return strings.Split(s, "/")
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
}
