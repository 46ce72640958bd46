package sbuscore

import (
	"fmt"
	"net/url"
	"strings"
)

// parsedConnectionString holds the three required keys out of a Service
// Bus connection string, per spec.md section 6.
type parsedConnectionString struct {
	endpoint            string
	sharedAccessKeyName string
	sharedAccessKey     string
}

// parseConnectionString parses a semicolon-delimited key=value connection
// string. Required keys: Endpoint (sb://<host>), SharedAccessKeyName,
// SharedAccessKey. Connection-string parsing is an external collaborator
// of the core per spec.md section 1, so failures are plain errors rather
// than entries in the contracts.Code taxonomy.
func parseConnectionString(cs string) (parsedConnectionString, error) {
	values := map[string]string{}
	for _, part := range strings.Split(cs, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return parsedConnectionString{}, fmt.Errorf("sbuscore: malformed connection string segment %q", part)
		}
		values[kv[0]] = kv[1]
	}

	parsed := parsedConnectionString{
		endpoint:            values["Endpoint"],
		sharedAccessKeyName: values["SharedAccessKeyName"],
		sharedAccessKey:     values["SharedAccessKey"],
	}
	if parsed.endpoint == "" {
		return parsedConnectionString{}, fmt.Errorf("sbuscore: connection string missing Endpoint")
	}
	if parsed.sharedAccessKeyName == "" {
		return parsedConnectionString{}, fmt.Errorf("sbuscore: connection string missing SharedAccessKeyName")
	}
	if parsed.sharedAccessKey == "" {
		return parsedConnectionString{}, fmt.Errorf("sbuscore: connection string missing SharedAccessKey")
	}
	return parsed, nil
}

// amqpURL builds amqps://<urlenc(name)>:<urlenc(key)>@<host> from the
// sb://<host> endpoint and the shared access key pair.
func (p parsedConnectionString) amqpURL() (string, error) {
	host, ok := strings.CutPrefix(p.endpoint, "sb://")
	if !ok {
		return "", fmt.Errorf("sbuscore: Endpoint %q is not of the form sb://<host>", p.endpoint)
	}
	host = strings.TrimSuffix(host, "/")

	u := url.URL{
		Scheme: "amqps",
		User:   url.UserPassword(p.sharedAccessKeyName, p.sharedAccessKey),
		Host:   host,
	}
	return u.String(), nil
}
