package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingExecutable = errors.New("descriptor has no ExecutableName")
	ErrUnknownMeshType   = errors.New("descriptor declares an unrecognised mesh type")
	ErrNotExecutable     = errors.New("worker executable not found or not executable")
)

// descriptorFile is the on-disk layout of a .rw file. JSON descriptors
// parse as well since JSON is a subset of YAML.
type descriptorFile struct {
	ExecutableName string   `yaml:"ExecutableName"`
	InputType      string   `yaml:"InputType"`
	OutputType     string   `yaml:"OutputType"`
	Arguments      []string `yaml:"Arguments"`
	FileFormat     string   `yaml:"FileFormat"`
	Tag            string   `yaml:"Tag"`
	Timeout        string   `yaml:"Timeout"`
}

// WorkerDescriptor 一個可執行的 worker 及其服務的 MeshIOType
type WorkerDescriptor struct {
	Name           string           // 可執行檔名稱（不含副檔名）
	Type           types.MeshIOType // 服務的轉換類型
	Executable     string           // 可執行檔絕對路徑
	Arguments      []string         // 額外命令列參數
	FileFormat     string           // 提交內容格式提示
	Tag            string           // 自由標籤
	Timeout        time.Duration    // 0 表示使用 broker 預設值
	DescriptorPath string           // 來源描述檔
}

// Requirements describes what a submission for this worker must carry.
func (d WorkerDescriptor) Requirements() types.JobRequirements {
	return types.JobRequirements{
		WorkerName: d.Name,
		Type:       d.Type,
		SourceType: "memory",
		FormatType: d.FileFormat,
		Tag:        d.Tag,
	}
}

// Matches reports whether reqs were produced by this descriptor.
func (d WorkerDescriptor) Matches(reqs types.JobRequirements) bool {
	return d.Name == reqs.WorkerName && d.Type == reqs.Type && d.Tag == reqs.Tag
}

// LoadDescriptor reads and validates a single .rw file.
func LoadDescriptor(path string) (WorkerDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkerDescriptor{}, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return ParseDescriptor(path, data)
}

// ParseDescriptor validates descriptor content; path locates the executable.
func ParseDescriptor(path string, data []byte) (WorkerDescriptor, error) {
	var f descriptorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return WorkerDescriptor{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}

	name := strings.TrimSpace(f.ExecutableName)
	if name == "" {
		return WorkerDescriptor{}, ErrMissingExecutable
	}

	ioType := types.NewMeshIOType(types.ParseMeshKind(f.InputType), types.ParseMeshKind(f.OutputType))
	if !ioType.Valid() {
		return WorkerDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownMeshType, ioType)
	}

	var timeout time.Duration
	if f.Timeout != "" {
		d, err := time.ParseDuration(f.Timeout)
		if err != nil || d < 0 {
			return WorkerDescriptor{}, fmt.Errorf("invalid Timeout %q", f.Timeout)
		}
		timeout = d
	}

	exe, err := resolveExecutable(filepath.Dir(path), name)
	if err != nil {
		return WorkerDescriptor{}, err
	}

	return WorkerDescriptor{
		Name:           strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)),
		Type:           ioType,
		Executable:     exe,
		Arguments:      f.Arguments,
		FileFormat:     f.FileFormat,
		Tag:            f.Tag,
		Timeout:        timeout,
		DescriptorPath: path,
	}, nil
}

func resolveExecutable(dir, name string) (string, error) {
	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates[0] = filepath.Join(dir, name)
	}
	if runtime.GOOS == "windows" && !strings.EqualFold(filepath.Ext(name), ".exe") {
		candidates = append(candidates, candidates[0]+".exe")
	}

	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
			continue
		}
		abs, err := filepath.Abs(c)
		if err != nil {
			return c, nil
		}
		return abs, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotExecutable, name)
}
