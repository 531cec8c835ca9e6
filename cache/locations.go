package cache

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/modulehost/framework/errs"
)

const (
	referenceFilePrefix = "reference:file:"
	inputStreamPrefix   = "inputstream:"
)

// decodeReferencePath strips the "reference:file:" prefix and percent-
// decodes the remainder using the standard %HH -> byte rule, with
// multi-byte sequences decoded as UTF-8 (spec §4.1 URL decoding).
// url.PathUnescape implements exactly this rule; no third-party decoder
// does it more correctly or more idiomatically than the standard library
// here, so it is used directly.
func decodeReferencePath(location string) (string, error) {
	raw := strings.TrimPrefix(location, referenceFilePrefix)
	return url.PathUnescape(raw)
}

func isReferenceFile(location string) bool {
	return strings.HasPrefix(location, referenceFilePrefix)
}

func isInputStream(location string) bool {
	return strings.HasPrefix(location, inputStreamPrefix)
}

// openLocationURL opens the "anything else" case of spec §4.1's revision
// selection table: the location is parsed as a URL and its content
// streamed back for the caller to copy into the revision directory.
func openLocationURL(location string) (io.ReadCloser, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, errs.Wrap(errs.BundleFailure, err, "cache: parse location %s", location)
	}

	switch u.Scheme {
	case "", "file":
		path := u.Path
		if path == "" {
			path = location
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, errs.Wrap(errs.BundleFailure, err, "cache: open location %s", location)
		}
		return f, nil
	case "http", "https":
		resp, err := http.Get(u.String())
		if err != nil {
			return nil, errs.Wrap(errs.BundleFailure, err, "cache: fetch location %s", location)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errs.BundleFailuref("cache: fetch location %s: status %s", location, resp.Status)
		}
		return resp.Body, nil
	default:
		return nil, errs.BundleFailuref("cache: unsupported location scheme %q", u.Scheme)
	}
}
