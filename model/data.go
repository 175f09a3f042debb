package model

// ProcessData 流程中流转的命名数据, Content 一般是 JSON
type ProcessData struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// FindData 按名称查找, 有重名时取最后一个
func FindData(list []ProcessData, name string) ([]byte, bool) {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Name == name {
			return list[i].Content, true
		}
	}
	return nil, false
}

// CloneData 深拷贝
func CloneData(list []ProcessData) []ProcessData {
	if list == nil {
		return nil
	}
	ret := make([]ProcessData, len(list))
	for i, d := range list {
		ret[i] = ProcessData{Name: d.Name, Content: append([]byte(nil), d.Content...)}
	}
	return ret
}

// EqualData 内容相同
func EqualData(a, b []ProcessData) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || string(a[i].Content) != string(b[i].Content) {
			return false
		}
	}
	return true
}
