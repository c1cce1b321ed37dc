package feishu

// webhookEvent covers both the url_verification handshake and v2 event
// callbacks. Encrypted deliveries only set Encrypt.
type webhookEvent struct {
	Schema    string        `json:"schema"`
	Header    *eventHeader  `json:"header"`
	Event     *eventContent `json:"event"`
	Token     string        `json:"token"`
	Type      string        `json:"type"`
	Challenge string        `json:"challenge"`
	Encrypt   string        `json:"encrypt"`
}

type eventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

type eventContent struct {
	Sender  *sender  `json:"sender"`
	Message *message `json:"message"`
}

type sender struct {
	SenderID   senderID `json:"sender_id"`
	SenderType string   `json:"sender_type"`
}

type senderID struct {
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
	OpenID  string `json:"open_id"`
}

type message struct {
	MessageID   string    `json:"message_id"`
	RootID      string    `json:"root_id"`
	ParentID    string    `json:"parent_id"`
	CreateTime  string    `json:"create_time"`
	ChatID      string    `json:"chat_id"`
	ChatType    string    `json:"chat_type"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	Mentions    []mention `json:"mentions"`
}

type mention struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type tokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type tokenResponse struct {
	apiResponse
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

type sendRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
}

type sendResponse struct {
	apiResponse
	Data struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}
