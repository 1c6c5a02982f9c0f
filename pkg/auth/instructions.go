package auth

import (
	"fmt"
	"io"
	"strings"
)

// ShowAPIKeyGuide prints how to obtain a Flickr API key
func ShowAPIKeyGuide(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w, "FLICKR API KEY")
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flickrtwin reads public favorites through the Flickr REST API and needs")
	fmt.Fprintln(w, "a (free, non-commercial) API key:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  1. Sign in at https://www.flickr.com")
	fmt.Fprintln(w, "  2. Open https://www.flickr.com/services/apps/create/apply/")
	fmt.Fprintln(w, "  3. Apply for a non-commercial key and copy the \"Key\" value")
	fmt.Fprintln(w, "     (the secret is not needed)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The key is kept in the system keychain when available, otherwise in an")
	fmt.Fprintf(w, "encrypted file. %s overrides both.\n", APIKeyEnv)
	fmt.Fprintln(w, "Each key may make 3600 calls per hour; flickrtwin stays under 3500.")
	fmt.Fprintln(w, strings.Repeat("=", 72))
}
