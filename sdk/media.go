package sdk

import (
	"bytes"
	"github.com/tchap/go-tchap-sdk/attachments"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"strings"
)

var (
	// ErrorInvalidContentUri is returned for a media uri that is not mxc://server/media_id
	ErrorInvalidContentUri = utils.NewTchapError("INVALID_CONTENT_URI", "invalid content uri")
	// ErrorNoFileInMessage is returned when a file message has neither url nor encrypted file
	ErrorNoFileInMessage = utils.NewTchapError("NO_FILE_IN_MESSAGE", "the message holds no file")
)

const encryptedContentType = "application/octet-stream"

func parseContentUri(uri string) (*downloadMediaRequest, error) {
	rest, ok := strings.CutPrefix(uri, "mxc://")
	if !ok {
		return nil, tracerr.Wrap(ErrorInvalidContentUri.AddDetails(uri))
	}
	serverName, mediaId, ok := strings.Cut(rest, "/")
	if !ok || serverName == "" || mediaId == "" || strings.Contains(mediaId, "/") {
		return nil, tracerr.Wrap(ErrorInvalidContentUri.AddDetails(uri))
	}
	return &downloadMediaRequest{ServerName: serverName, MediaId: mediaId}, nil
}

// SendFile uploads a file and sends it as an m.file message. In an encrypted room the file is
// encrypted before upload, and its key travels in the megolm-encrypted message.
func (session *Session) SendFile(roomId string, filename string, contentType string, data []byte) (*common_models.Event, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	room := session.storage.rooms.get(roomId)
	if room == nil {
		return nil, tracerr.Wrap(ErrorUnknownRoom.AddDetails(roomId))
	}
	if contentType == "" {
		contentType = encryptedContentType
	}
	content := common_models.FileMessageContent{
		MsgType: common_models.MsgTypeFile,
		Body:    filename,
		Info:    &common_models.FileInfo{Mimetype: contentType, Size: len(data)},
	}

	if room.IsEncrypted() {
		encrypted, file, err := attachments.Encrypt(data)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		// the name stays in the encrypted message only
		uploaded, err := session.apiClient.uploadMedia(&uploadMediaRequest{ContentType: encryptedContentType, Data: encrypted})
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		file.Url = uploaded.ContentUri
		content.File = file
	} else {
		uploaded, err := session.apiClient.uploadMedia(&uploadMediaRequest{Filename: filename, ContentType: contentType, Data: data})
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		content.Url = uploaded.ContentUri
	}
	session.logger.Debug().Str("room_id", roomId).Int("size", len(data)).Bool("encrypted", content.File != nil).Msg("File uploaded")
	return session.SendEvent(roomId, common_models.EventTypeRoomMessage, content)
}

// DownloadFile downloads the file of an m.file message, decrypting it when needed.
func (session *Session) DownloadFile(content *common_models.FileMessageContent) ([]byte, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	data, err := session.downloadFileContent(content)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if content.File == nil {
		return data, nil
	}
	clear, err := attachments.Decrypt(data, content.File)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return clear, nil
}

// SaveFileToDirectory downloads the file of an m.file message into directory, named after the
// message body. It returns the path of the written file.
func (session *Session) SaveFileToDirectory(content *common_models.FileMessageContent, directory string) (string, error) {
	if err := session.checkSessionState(true); err != nil {
		return "", tracerr.Wrap(err)
	}
	data, err := session.downloadFileContent(content)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if content.File == nil {
		path, err := attachments.SaveToDirectory(bytes.NewReader(data), directory, content.Body)
		return path, tracerr.Wrap(err)
	}
	path, err := attachments.DecryptToDirectory(bytes.NewReader(data), content.File, directory, content.Body)
	return path, tracerr.Wrap(err)
}

func (session *Session) downloadFileContent(content *common_models.FileMessageContent) ([]byte, error) {
	uri := content.Url
	if content.File != nil {
		uri = content.File.Url
	}
	if uri == "" {
		return nil, tracerr.Wrap(ErrorNoFileInMessage)
	}
	request, err := parseContentUri(uri)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	resp, err := session.apiClient.downloadMedia(request)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return resp.Data, nil
}
