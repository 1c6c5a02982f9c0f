package flickr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexInt decodes integers the REST API sends either as JSON numbers or as
// numeric strings ("total": "120").
type FlexInt int

func (n *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("flickr: invalid integer %q", s)
		}
		*n = FlexInt(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = FlexInt(v)
	return nil
}

// Owner identifies a photo owner. getPublicList sends a bare nsid string,
// getInfo sends an object.
type Owner struct {
	NSID     string `json:"nsid"`
	Username string `json:"username,omitempty"`
	RealName string `json:"realname,omitempty"`
}

func (o *Owner) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &o.NSID)
	}
	type plain Owner
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = Owner(p)
	return nil
}

// Text is a string field that may arrive wrapped as {"_content": "..."}
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Content string `json:"_content"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		*t = Text(wrapped.Content)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// status is the envelope every REST response carries
type status struct {
	Stat    string `json:"stat"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Person is a user who favorited a photo
type Person struct {
	NSID       string  `json:"nsid"`
	Username   string  `json:"username"`
	RealName   string  `json:"realname"`
	FaveDate   string  `json:"favedate"`
	IconServer string  `json:"iconserver"`
	IconFarm   FlexInt `json:"iconfarm"`
}

// PhotoFavorites is one page of flickr.photos.getFavorites
type PhotoFavorites struct {
	ID      string   `json:"id"`
	Secret  string   `json:"secret"`
	Server  string   `json:"server"`
	Farm    FlexInt  `json:"farm"`
	Page    FlexInt  `json:"page"`
	Pages   FlexInt  `json:"pages"`
	PerPage FlexInt  `json:"perpage"`
	Total   FlexInt  `json:"total"`
	Person  []Person `json:"person"`
}

// FavoritePhoto is a photo in a user's public favorites list
type FavoritePhoto struct {
	ID        string  `json:"id"`
	Owner     Owner   `json:"owner"`
	Secret    string  `json:"secret"`
	Server    string  `json:"server"`
	Farm      FlexInt `json:"farm"`
	Title     Text    `json:"title"`
	DateFaved string  `json:"date_faved"`
}

// UserFavorites is one page of flickr.favorites.getPublicList
type UserFavorites struct {
	Page    FlexInt         `json:"page"`
	Pages   FlexInt         `json:"pages"`
	PerPage FlexInt         `json:"perpage"`
	Total   FlexInt         `json:"total"`
	Photo   []FavoritePhoto `json:"photo"`
}

// PhotoInfo is the result of flickr.photos.getInfo
type PhotoInfo struct {
	ID     string  `json:"id"`
	Owner  Owner   `json:"owner"`
	Secret string  `json:"secret"`
	Server string  `json:"server"`
	Farm   FlexInt `json:"farm"`
	Title  Text    `json:"title"`
	Views  FlexInt `json:"views"`
}
