package flickr

import (
	"fmt"
	"net/url"
	"strconv"
)

const (
	// BaseURL is the REST endpoint
	BaseURL = "https://www.flickr.com/services/rest/"

	MethodImageFavorites = "flickr.photos.getFavorites"
	MethodUserFavorites  = "flickr.favorites.getPublicList"
	MethodPhotoInfo      = "flickr.photos.getInfo"

	// ImageFavoritesPerPage is the page size used for photo favorites
	ImageFavoritesPerPage = 50

	// UserFavoritesPerPage is the page size used for a user's favorites
	UserFavoritesPerPage = 500

	// DefaultBuddyIcon is shown for users without a custom icon
	DefaultBuddyIcon = "https://www.flickr.com/images/buddyicon.gif"
)

// MethodURL builds the request URL for a REST method
func MethodURL(baseURL, apiKey, method string, params url.Values) string {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("method", method)
	q.Set("api_key", apiKey)
	q.Set("format", "json")
	q.Set("nojsoncallback", "1")
	return baseURL + "?" + q.Encode()
}

func imageFavoritesParams(photoID string, page int) url.Values {
	return url.Values{
		"photo_id": {photoID},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(ImageFavoritesPerPage)},
	}
}

func userFavoritesParams(userID string, page int) url.Values {
	return url.Values{
		"user_id":  {userID},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(UserFavoritesPerPage)},
	}
}

func photoInfoParams(photoID string) url.Values {
	return url.Values{"photo_id": {photoID}}
}

// BuddyIconURL returns the icon URL for a person, falling back to the default icon
func BuddyIconURL(nsid, iconServer string, iconFarm int) string {
	if iconServer == "" || iconServer == "0" {
		return DefaultBuddyIcon
	}
	return fmt.Sprintf("https://farm%d.staticflickr.com/%s/buddyicons/%s.jpg", iconFarm, iconServer, nsid)
}

// PhotoPageURL returns the public page of a photo
func PhotoPageURL(owner, photoID string) string {
	return fmt.Sprintf("https://www.flickr.com/photos/%s/%s/", owner, photoID)
}

// ImageURL returns the medium-size image URL of a photo
func ImageURL(server, photoID, secret string) string {
	return fmt.Sprintf("https://live.staticflickr.com/%s/%s_%s_m.jpg", server, photoID, secret)
}
