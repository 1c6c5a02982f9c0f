// Package flickr provides a client for the Flickr REST methods the favorite
// graph is built from.
//
// This package includes:
//   - A Client performing one HTTP request per call, with no retries
//   - Models for the three responses, tolerant of the upstream's mixed
//     string/number encodings
//   - Helpers for request, photo page, image and buddy icon URLs
//
// Failures are typed with flickrtwin/pkg/errors: a payload whose "stat" is
// not "ok" becomes an api error carrying the upstream code and message, a
// payload of unexpected shape becomes a malformed_response error.
//
// Example usage:
//
//	client := flickr.NewClient(apiKey, 30*time.Second, log)
//
//	page, err := client.GetImageFavorites(ctx, "52850086225", 1)
//	if err != nil {
//	    if errors.IsAPIError(err) {
//	        // record and move on
//	    }
//	}
//	for _, person := range page.Person {
//	    fmt.Println(person.NSID, person.FaveDate)
//	}
package flickr
