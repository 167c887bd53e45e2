package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// parseCN returns the first CN value of dn, or dn itself when it has none.
func parseCN(dn string) string {
	parsedDN, err := ldap.ParseDN(dn)
	if err != nil || len(parsedDN.RDNs) == 0 {
		// Already a CN, or a UPN
		return dn
	}

	for _, rdn := range parsedDN.RDNs {
		for _, rdnAttr := range rdn.Attributes {
			if strings.EqualFold(rdnAttr.Type, "CN") {
				return rdnAttr.Value
			}
		}
	}
	return dn
}

