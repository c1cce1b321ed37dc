package wechat

import "encoding/xml"

// Message types as they appear in WeChat XML and JSON payloads.
const (
	msgText       = "text"
	msgImage      = "image"
	msgVoice      = "voice"
	msgVideo      = "video"
	msgShortVideo = "shortvideo"
	msgLocation   = "location"
	msgLink       = "link"
	msgEvent      = "event"
)

// envelope is the outer body of an encrypted-mode delivery.
type envelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	Encrypt    string   `xml:"Encrypt"`
}

type inboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        int64    `xml:"MsgId"`
	MsgDataID    string   `xml:"MsgDataId"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
	ThumbMediaID string   `xml:"ThumbMediaId"`
	LocationX    string   `xml:"Location_X"`
	LocationY    string   `xml:"Location_Y"`
	Label        string   `xml:"Label"`
	Title        string   `xml:"Title"`
	Description  string   `xml:"Description"`
	URL          string   `xml:"Url"`
	Event        string   `xml:"Event"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

type encryptedReply struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

type apiResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type tokenResponse struct {
	apiResponse
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type textContent struct {
	Content string `json:"content"`
}

type mediaContent struct {
	MediaID string `json:"media_id"`
}

type customMessage struct {
	ToUser  string        `json:"touser"`
	MsgType string        `json:"msgtype"`
	Text    *textContent  `json:"text,omitempty"`
	Image   *mediaContent `json:"image,omitempty"`
	Voice   *mediaContent `json:"voice,omitempty"`
}
