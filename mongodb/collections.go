package mongodb

const (
	UsersCollection         = "oauth_users"
	ClientsCollection       = "oauth_clients"
	CodesCollection         = "oauth_auth_codes"
	AccessTokensCollection  = "oauth_access_tokens"
	RefreshTokensCollection = "oauth_refresh_tokens"
)
