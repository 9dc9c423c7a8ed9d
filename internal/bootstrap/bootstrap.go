// Package bootstrap 在 relay 发出 session.ready 后运行一次: 推送本机已知
// 的项目注册, 并把 agent 已有的线程按 cwd 最长前缀绑定到项目。
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/durangohq/bridge/internal/binding"
	"github.com/durangohq/bridge/internal/codex"
	apperrors "github.com/durangohq/bridge/pkg/errors"
	"github.com/durangohq/bridge/pkg/logger"
)

const (
	registerTimeout   = 10 * time.Second
	threadListLimit   = 50
	threadListMaxPage = 10
	titleMaxLen       = 120
	defaultTitle      = "Imported Codex thread"
)

// Project 是消费端的项目注册 DTO, 由调用方提供, bootstrap 从不修改它。
type Project struct {
	ID           string `json:"id"`
	MachineID    string `json:"machineId"`
	AbsolutePath string `json:"absolutePath"`
	Name         string `json:"name"`
	GitBranch    string `json:"gitBranch,omitempty"`
	GitRemoteURL string `json:"gitRemoteUrl,omitempty"`
}

// ThreadUpsert 是推给 relay 的 thread.upsert 载荷形状。
type ThreadUpsert struct {
	MachineID string     `json:"machineId"`
	Thread    ThreadData `json:"thread"`
}

// ThreadData 描述一条被发现并绑定的 agent 线程。
type ThreadData struct {
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	CodexThreadID string `json:"codexThreadId"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	CreatedAt     string `json:"createdAt,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

// Deps 把 bootstrap 需要的外部协作者聚合在一起。
type Deps struct {
	Agent        *codex.Client
	Bindings     *binding.Map
	Projects     []Project
	MachineID    string
	RelayToken   string
	WebBaseURL   string
	HTTPClient   *http.Client
	PushUpsert   func(ThreadUpsert)
}

// LoadProjectsFile 读取本机项目注册清单 (由外部协作者写入, bootstrap 只读)。
// 文件不存在时视为尚未注册任何项目, 返回空切片而非错误。
func LoadProjectsFile(path string) ([]Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "LoadProjectsFile", "read projects manifest")
	}
	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, apperrors.Wrap(err, "LoadProjectsFile", "decode projects manifest")
	}
	return projects, nil
}

// Run 执行一次完整的 bootstrap 序列: 项目注册, 随后线程发现与绑定。
// 单个项目注册失败只记录并跳过; 线程列举失败则中止 bootstrap 的第二阶段。
func Run(ctx context.Context, d Deps) {
	registered := registerProjects(ctx, d)
	logger.Info("bootstrap: project registration complete",
		logger.FieldCount, registered,
		logger.FieldMachineID, d.MachineID,
	)

	threads, err := d.Agent.ListThreads(threadListLimit, threadListMaxPage)
	if err != nil {
		logger.Error("bootstrap: aborting thread discovery", logger.FieldError, err)
		return
	}

	n := bindThreads(d, threads)
	logger.Info("bootstrap: thread discovery complete", logger.FieldCount, n)
}

func registerProjects(ctx context.Context, d Deps) int {
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: registerTimeout}
	}
	registered := 0
	for _, p := range d.Projects {
		if err := registerProject(ctx, client, d.WebBaseURL, d.RelayToken, p); err != nil {
			logger.Warn("bootstrap: project registration failed",
				logger.FieldError, err,
				"project_id", p.ID,
			)
			continue
		}
		registered++
	}
	return registered
}

func registerProject(ctx context.Context, client *http.Client, baseURL, token string, p Project) error {
	body, err := json.Marshal(map[string]Project{"project": p})
	if err != nil {
		return apperrors.Wrap(err, "registerProject", "marshal body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/projects/register", bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, "registerProject", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, "registerProject", "http request")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.Newf("registerProject", "unexpected status %d", resp.StatusCode)
	}
	return nil
}

// bindThreads 为每个既有 id 又有 cwd 的 agent 线程, 找到其 cwd 的最长前缀
// 所属项目, 安装绑定并推送 thread.upsert。
func bindThreads(d Deps, threads []codex.ThreadInfo) int {
	projects := sortedByPathLengthDesc(d.Projects)
	n := 0
	for _, th := range threads {
		if th.ID == "" || th.Cwd == "" {
			continue
		}
		proj, ok := longestPrefixProject(projects, th.Cwd)
		if !ok {
			continue
		}
		downstreamID := binding.DerivedAgentThreadID(th.ID)
		if err := d.Bindings.Bind(th.ID, downstreamID); err != nil {
			logger.Warn("bootstrap: bind failed", logger.FieldError, err, logger.FieldThreadID, th.ID)
			continue
		}
		upsert := ThreadUpsert{
			MachineID: d.MachineID,
			Thread: ThreadData{
				ID:            downstreamID,
				ProjectID:     proj.ID,
				CodexThreadID: th.ID,
				Title:         deriveTitle(th.Title),
				Status:        "active",
				CreatedAt:     th.UpdatedAt,
				UpdatedAt:     th.UpdatedAt,
			},
		}
		if d.PushUpsert != nil {
			d.PushUpsert(upsert)
		}
		n++
	}
	return n
}

func sortedByPathLengthDesc(projects []Project) []Project {
	out := make([]Project, len(projects))
	copy(out, projects)
	sort.Slice(out, func(i, j int) bool {
		return len(normalizePath(out[i].AbsolutePath)) > len(normalizePath(out[j].AbsolutePath))
	})
	return out
}

func normalizePath(p string) string {
	return filepath.Clean(strings.TrimSpace(p))
}

// longestPrefixProject 在 projects (已按路径长度降序排列) 中找到第一个
// 其规范化绝对路径是 cwd 的父目录 (相等或后随路径分隔符) 的项目。
func longestPrefixProject(projects []Project, cwd string) (Project, bool) {
	cwd = normalizePath(cwd)
	for _, p := range projects {
		root := normalizePath(p.AbsolutePath)
		if root == "" {
			continue
		}
		if cwd == root || strings.HasPrefix(cwd, root+string(filepath.Separator)) {
			return p, true
		}
	}
	return Project{}, false
}

// deriveTitle 取 preview 的首个非空行, 折叠空白, 截断到 120 字符; 否则
// 回退为一个固定的导入占位标题。
func deriveTitle(preview string) string {
	for _, line := range strings.Split(preview, "\n") {
		collapsed := strings.Join(strings.Fields(line), " ")
		if collapsed == "" {
			continue
		}
		if runes := []rune(collapsed); len(runes) > titleMaxLen {
			collapsed = string(runes[:titleMaxLen])
		}
		return collapsed
	}
	return defaultTitle
}
