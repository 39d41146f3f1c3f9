package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	url := flag.String("url", "ws://127.0.0.1:5173/ws", "relay websocket 地址")
	text := flag.String("text", "", "发送的文本消息")
	filePath := flag.String("file", "", "发送的文件路径")
	from := flag.String("from", string(relay.RoleUser), "发送者角色: user 或 admin")
	username := flag.String("name", "", "显示名称，默认随机生成")
	forwardedFor := flag.String("xff", "", "模拟 X-Forwarded-For 请求头")
	timeout := flag.Duration("timeout", 10*time.Second, "等待广播回显的超时时间")

	flag.Parse()

	if *username == "" {
		*username = fmt.Sprintf("User%d", time.Now().UnixNano()%10000)
	}

	header := http.Header{}
	if *forwardedFor != "" {
		header.Set("X-Forwarded-For", *forwardedFor)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, header)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(*timeout))
	var env relay.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		log.Fatalf("读取历史消息失败: %v", err)
	}
	var backlog []relay.Message
	if err := json.Unmarshal(env.Data, &backlog); err != nil {
		log.Fatalf("解析历史消息失败: %v", err)
	}
	log.Printf("已连接: event=%s 历史消息=%d", env.Event, len(backlog))
	for _, msg := range backlog {
		printMessage(msg)
	}

	msg, ok, err := buildMessage(*text, *filePath, relay.Role(*from), *username)
	if err != nil {
		log.Fatalf("构造消息失败: %v", err)
	}
	if !ok {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Fatalf("编码消息失败: %v", err)
	}
	if err := conn.WriteJSON(relay.Envelope{Event: relay.EventSendMessage, Data: data}); err != nil {
		log.Fatalf("发送失败: %v", err)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(*timeout))
		var reply relay.Envelope
		if err := conn.ReadJSON(&reply); err != nil {
			log.Fatalf("等待回显失败: %v", err)
		}
		switch reply.Event {
		case relay.EventError:
			var payload relay.ErrorPayload
			_ = json.Unmarshal(reply.Data, &payload)
			log.Fatalf("服务端拒绝: %s", payload.Message)
		case relay.EventNewMessage:
			var got relay.Message
			if err := json.Unmarshal(reply.Data, &got); err != nil {
				log.Fatalf("解析广播失败: %v", err)
			}
			printMessage(got)
			if got.Username == msg.Username && got.ID >= msg.ID {
				log.Printf("收到回显 id=%d", got.ID)
				return
			}
		}
	}
}

func buildMessage(text, filePath string, from relay.Role, username string) (relay.Message, bool, error) {
	msg := relay.Message{
		ID:        time.Now().UnixMilli(),
		Username:  username,
		From:      from,
		Timestamp: time.Now().Format("15:04:05"),
	}

	switch {
	case filePath != "":
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return relay.Message{}, false, err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(filePath))
		if mimeType == "" {
			mimeType = http.DetectContentType(raw)
		}
		msg.Type = relay.KindFile
		msg.FileName = filepath.Base(filePath)
		msg.Text = msg.FileName
		msg.FileType = mimeType
		msg.FileSize = int64(len(raw))
		msg.FileData = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw)
	case text != "":
		msg.Type = relay.KindText
		msg.Text = text
	default:
		return relay.Message{}, false, nil
	}
	return msg, true, nil
}

func printMessage(msg relay.Message) {
	line := fmt.Sprintf("[%s] %s(%s): ", msg.Timestamp, msg.Username, msg.From)
	if msg.IsFile() {
		line += fmt.Sprintf("file %s %s %dB", msg.FileName, msg.FileType, msg.FileSize)
		if msg.DataMissing {
			line += " (data missing)"
		}
	} else {
		line += msg.Text
	}
	if msg.ServerInfo != nil {
		line += " ip=" + msg.ServerInfo.IP
		if geo := msg.ServerInfo.Geo; geo != nil {
			line += fmt.Sprintf(" geo=%s/%s/%s", geo.Country, geo.Region, geo.City)
		}
	}
	log.Print(line)
}
