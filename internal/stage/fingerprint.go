package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
)

// fingerprintInput — канонический набор полей, по которым считается fingerprint.
// encoding/json сортирует ключи map, поэтому сериализация детерминирована.
type fingerprintInput struct {
	Stage  domain.StageKind  `json:"stage"`
	Mode   domain.Mode       `json:"mode"`
	Inputs map[string]string `json:"inputs"`
	Params map[string]any    `json:"params"`
	Seed   int64             `json:"seed"`
	Tool   pipeline.Tool     `json:"tool"`
}

// Fingerprint возвращает hex sha256 входов и параметров запроса.
// Attempt и идентификаторы не учитываются: retry сохраняет fingerprint.
func Fingerprint(req *Request) string {
	data, err := json.Marshal(fingerprintInput{
		Stage:  req.Stage,
		Mode:   req.Mode,
		Inputs: req.Inputs,
		Params: req.Params,
		Seed:   req.Seed,
		Tool:   req.Tool,
	})
	if err != nil {
		// Params пришли из JSON конфигурации run и сериализуются всегда;
		// на случай экзотических значений fingerprint остаётся уникальным.
		data = []byte(req.SampleID.String() + string(req.Stage) + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
