package models

import "time"

// OAuth1TempTokenModel carries an OAuth 1.0a flow across the authorize
// redirect. The provider echoes oauth_token on the callback; the row holds the
// signed state needed to finish the exchange. Swept after ExpiresAt.
type OAuth1TempTokenModel struct {
	OAuthToken string    `json:"oauth_token" gorm:"primaryKey"`
	StateJWT   string    `json:"-"           gorm:"type:longtext;not null"`
	ExpiresAt  time.Time `json:"expires_at"  gorm:"index;not null"`
	CreatedAt  time.Time `json:"created"`
}

func (OAuth1TempTokenModel) TableName() string { return "oauth1_temp_tokens" }
