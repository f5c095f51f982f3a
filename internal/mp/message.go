package mp

import (
	"encoding/xml"
	"time"
)

// AckBody 是协议要求的“无回复时的确认体”：纯文本 success，不带 XML 包裹。
const AckBody = "success"

const (
	MsgTypeText       = "text"
	MsgTypeImage      = "image"
	MsgTypeVoice      = "voice"
	MsgTypeVideo      = "video"
	MsgTypeShortVideo = "shortvideo"
	MsgTypeLocation   = "location"
	MsgTypeLink       = "link"
	MsgTypeEvent      = "event"
	MsgTypeNews       = "news"
)

// IncomingMessage 是回调投递的 XML 信封，按消息类型携带不同字段子集。
// 单次请求内构造并使用，不持久化。
type IncomingMessage struct {
	ToUserName   string `xml:"ToUserName"`
	FromUserName string `xml:"FromUserName"`
	CreateTime   int64  `xml:"CreateTime"`
	MsgType      string `xml:"MsgType"`
	MsgID        string `xml:"MsgId"`

	// text；来自公众号文章的消息还会携带 MsgDataId/Idx。
	Content   string `xml:"Content"`
	MsgDataID string `xml:"MsgDataId"`
	Idx       string `xml:"Idx"`

	// image / voice / video / shortvideo
	PicURL       string `xml:"PicUrl"`
	MediaID      string `xml:"MediaId"`
	Format       string `xml:"Format"`
	Recognition  string `xml:"Recognition"`
	ThumbMediaID string `xml:"ThumbMediaId"`

	// location
	LocationX string `xml:"Location_X"`
	LocationY string `xml:"Location_Y"`
	Scale     string `xml:"Scale"`
	Label     string `xml:"Label"`

	// link
	Title       string `xml:"Title"`
	Description string `xml:"Description"`
	URL         string `xml:"Url"`

	// event：订阅号事件主要是 subscribe / unsubscribe。
	Event string `xml:"Event"`
}

type charData struct {
	Value string `xml:",cdata"`
}

type replyMedia struct {
	MediaID charData `xml:"MediaId"`
}

type replyVideo struct {
	MediaID     charData `xml:"MediaId"`
	Title       charData `xml:"Title"`
	Description charData `xml:"Description"`
}

type replyArticle struct {
	Title       charData `xml:"Title"`
	Description charData `xml:"Description"`
	PicURL      charData `xml:"PicUrl"`
	URL         charData `xml:"Url"`
}

type replyArticles struct {
	Item replyArticle `xml:"item"`
}

// Reply 是回复信封。To/From/CreateTime 三个框架字段与消息类型无关，
// 统一由构造函数按“收发互换”的规则填充。
type Reply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   charData `xml:"ToUserName"`
	FromUserName charData `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      charData `xml:"MsgType"`

	Content      *charData      `xml:"Content,omitempty"`
	Image        *replyMedia    `xml:"Image,omitempty"`
	Voice        *replyMedia    `xml:"Voice,omitempty"`
	Video        *replyVideo    `xml:"Video,omitempty"`
	ArticleCount *int           `xml:"ArticleCount,omitempty"`
	Articles     *replyArticles `xml:"Articles,omitempty"`
}

func newReply(in IncomingMessage, createdAt time.Time, msgType string) *Reply {
	return &Reply{
		ToUserName:   charData{in.FromUserName},
		FromUserName: charData{in.ToUserName},
		CreateTime:   createdAt.Unix(),
		MsgType:      charData{msgType},
	}
}

func TextReply(in IncomingMessage, createdAt time.Time, content string) *Reply {
	r := newReply(in, createdAt, MsgTypeText)
	r.Content = &charData{content}
	return r
}

func ImageReply(in IncomingMessage, createdAt time.Time, mediaID string) *Reply {
	r := newReply(in, createdAt, MsgTypeImage)
	r.Image = &replyMedia{MediaID: charData{mediaID}}
	return r
}

func VoiceReply(in IncomingMessage, createdAt time.Time, mediaID string) *Reply {
	r := newReply(in, createdAt, MsgTypeVoice)
	r.Voice = &replyMedia{MediaID: charData{mediaID}}
	return r
}

func VideoReply(in IncomingMessage, createdAt time.Time, mediaID, title, description string) *Reply {
	r := newReply(in, createdAt, MsgTypeVideo)
	r.Video = &replyVideo{
		MediaID:     charData{mediaID},
		Title:       charData{title},
		Description: charData{description},
	}
	return r
}

func NewsReply(in IncomingMessage, createdAt time.Time, title, description, picURL, linkURL string) *Reply {
	r := newReply(in, createdAt, MsgTypeNews)
	count := 1
	r.ArticleCount = &count
	r.Articles = &replyArticles{
		Item: replyArticle{
			Title:       charData{title},
			Description: charData{description},
			PicURL:      charData{picURL},
			URL:         charData{linkURL},
		},
	}
	return r
}
