package outbound

import (
	"strconv"
	"strings"

	"github.com/infodancer/smtpd/internal/capability"
)

// Capabilities is the parsed EHLO/LHLO response of a remote host.
type Capabilities struct {
	Greeting   string
	Extensions capability.Extension
	Mechanisms capability.Mechanism
	MaxSize    int64 // 0 = unspecified
}

// parseCapabilities parses the lines of a multi-line EHLO/LHLO reply
// (the greeting line first, then one extension per line) into a
// Capabilities value.
func parseCapabilities(lines []string) Capabilities {
	var caps Capabilities
	if len(lines) > 0 {
		caps.Greeting = lines[0]
		lines = lines[1:]
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "PIPELINING":
			caps.Extensions |= capability.ExtPipelining
		case "SIZE":
			caps.Extensions |= capability.ExtSize
			if len(fields) > 1 {
				if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					caps.MaxSize = n
				}
			}
		case "8BITMIME":
			caps.Extensions |= capability.Ext8BitMIME
		case "STARTTLS":
			caps.Extensions |= capability.ExtSTARTTLS
		case "CHUNKING":
			caps.Extensions |= capability.ExtChunking
		case "SMTPUTF8":
			caps.Extensions |= capability.ExtSMTPUTF8
		case "DSN":
			caps.Extensions |= capability.ExtDSN
		case "REQUIRETLS":
			caps.Extensions |= capability.ExtRequireTLS
		case "ENHANCEDSTATUSCODES":
			caps.Extensions |= capability.ExtEnhancedStatusCodes
		case "AUTH":
			caps.Extensions |= capability.ExtAuth
			for _, mech := range fields[1:] {
				switch strings.ToUpper(mech) {
				case "PLAIN":
					caps.Mechanisms |= capability.MechPlain
				case "LOGIN":
					caps.Mechanisms |= capability.MechLogin
				case "XOAUTH2":
					caps.Mechanisms |= capability.MechXOAuth2
				case "OAUTHBEARER":
					caps.Mechanisms |= capability.MechOAuthBearer
				}
			}
		}
	}
	return caps
}
