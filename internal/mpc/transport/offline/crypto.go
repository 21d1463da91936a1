package offline

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/pkg/errors"
)

// GenerateIdentity 生成 age X25519 身份并写入文件，返回公钥
func GenerateIdentity(path string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", errors.Wrap(err, "failed to generate age identity")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", errors.Wrap(err, "failed to create identity directory")
	}
	content := "# public key: " + identity.Recipient().String() + "\n" + identity.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", errors.Wrap(err, "failed to write identity file")
	}
	return identity.Recipient().String(), nil
}

// LoadIdentity 读取身份文件，忽略注释行
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open identity file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse age identity")
		}
		return identity, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read identity file")
	}
	return nil, errors.New("identity file contains no key")
}

func encrypt(recipient age.Recipient, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create age writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "failed to write data")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish encryption")
	}
	return buf.Bytes(), nil
}

func decrypt(identity age.Identity, data []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt bundle")
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read decrypted data")
	}
	return plain, nil
}
